package app

import (
	"time"

	"postwork/api/internal/store"
)

type userView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserView(u store.User) userView {
	return userView{ID: u.ID, Name: u.Name, Email: u.Email, Points: u.Points, CreatedAt: u.CreatedAt}
}

type pointsView struct {
	ID          int64     `json:"id"`
	ActionType  string    `json:"actionType"`
	Points      int       `json:"points"`
	ProjectID   string    `json:"projectId,omitempty"`
	PerformerID string    `json:"performerId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toPointsViews(items []store.PointsTransaction) []pointsView {
	out := make([]pointsView, 0, len(items))
	for _, p := range items {
		out = append(out, pointsView{
			ID:          p.ID,
			ActionType:  p.ActionType,
			Points:      p.Points,
			ProjectID:   p.ProjectID,
			PerformerID: p.PerformerID,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out
}

type projectView struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Language       string        `json:"language"`
	Owner          store.UserRef `json:"owner"`
	LastVersionSeq int64         `json:"lastVersionSeq"`
	Role           string        `json:"role,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func toProjectView(p store.Project) projectView {
	return projectView{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Language:       p.Language,
		Owner:          p.Owner,
		LastVersionSeq: p.LastVersionSeq,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toProjectViews(items []store.Project) []projectView {
	out := make([]projectView, 0, len(items))
	for _, p := range items {
		out = append(out, toProjectView(p))
	}
	return out
}

type membershipView struct {
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status,omitempty"`
	InvitedBy string    `json:"invitedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toMembershipView(m store.Membership) membershipView {
	return membershipView{
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Role:      m.Role,
		Status:    m.Status,
		InvitedBy: m.InvitedBy,
		CreatedAt: m.CreatedAt,
	}
}

type invitationView struct {
	membershipView
	Project projectView `json:"project"`
}

func toInvitationViews(items []store.Invitation) []invitationView {
	out := make([]invitationView, 0, len(items))
	for _, inv := range items {
		out = append(out, invitationView{
			membershipView: toMembershipView(inv.Membership),
			Project:        toProjectView(inv.Project),
		})
	}
	return out
}

type versionView struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Seq        int64     `json:"seq"`
	AuthorID   string    `json:"authorId"`
	Language   string    `json:"language"`
	Code       *string   `json:"code,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toVersionView(v store.Version, withCode bool) versionView {
	out := versionView{
		ID:         v.ID,
		ProjectID:  v.ProjectID,
		Seq:        v.Seq,
		AuthorID:   v.AuthorID,
		Language:   v.Language,
		CommitHash: v.CommitHash,
		CreatedAt:  v.CreatedAt,
	}
	if withCode {
		code := v.Code
		out.Code = &code
	}
	return out
}

func toVersionViews(items []store.Version) []versionView {
	out := make([]versionView, 0, len(items))
	for _, v := range items {
		out = append(out, toVersionView(v, false))
	}
	return out
}

type commentView struct {
	ID                   string        `json:"id"`
	ProjectID            string        `json:"projectId"`
	Author               store.UserRef `json:"author"`
	CreatedOnVersionID   string        `json:"createdOnVersionId"`
	CreatedOnSeq         int64         `json:"createdOnSeq"`
	Line                 int           `json:"line"`
	EndLine              *int          `json:"endLine"`
	Body                 string        `json:"body"`
	OriginalCodeSnapshot string        `json:"originalCodeSnapshot"`
	LiveAnchor           *string       `json:"liveAnchor,omitempty"`
	ResolvedOnVersionID  *string       `json:"resolvedOnVersionId"`
	ResolvedOnSeq        *int64        `json:"resolvedOnSeq"`
	ResolvedBy           *string       `json:"resolvedBy,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

func toCommentView(c store.Comment) commentView {
	return commentView{
		ID:                   c.ID,
		ProjectID:            c.ProjectID,
		Author:               c.Author,
		CreatedOnVersionID:   c.CreatedOnVersionID,
		CreatedOnSeq:         c.CreatedOnSeq,
		Line:                 c.Line,
		EndLine:              c.EndLine,
		Body:                 c.Body,
		OriginalCodeSnapshot: c.OriginalCode,
		LiveAnchor:           c.LiveAnchor,
		ResolvedOnVersionID:  c.ResolvedOnVersionID,
		ResolvedOnSeq:        c.ResolvedOnSeq,
		ResolvedBy:           c.ResolvedBy,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

func toCommentViews(items []store.Comment) []commentView {
	out := make([]commentView, 0, len(items))
	for _, c := range items {
		out = append(out, toCommentView(c))
	}
	return out
}
