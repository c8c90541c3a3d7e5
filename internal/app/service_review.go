package app

import (
	"context"
	"sort"
	"strings"

	"postwork/api/internal/apperr"
	"postwork/api/internal/collab"
	"postwork/api/internal/export"
	"postwork/api/internal/rbac"
	"postwork/api/internal/review"
	"postwork/api/internal/search"
	"postwork/api/internal/store"
)

// VisibilityView is the partition of a project's comments as seen from one
// version, with each active comment placed in the live room when one is open.
type VisibilityView struct {
	review.Visibility
	Anchors []collab.AnchorPosition
}

type SearchInput struct {
	Text            string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// RoomPresence is one room of a project as published by any API node.
type RoomPresence struct {
	Room         string               `json:"room"`
	VersionID    string               `json:"versionId"`
	Participants []collab.Participant `json:"participants"`
}

// Comments

func (s *Service) CreateComment(ctx context.Context, session Session, projectID, versionID string, input review.CreateCommentInput) (store.Comment, error) {
	comment, err := s.ledger.CreateComment(ctx, projectID, versionID, session.UserID, input)
	if err != nil {
		return store.Comment{}, err
	}
	s.index(comment)
	return comment, nil
}

func (s *Service) ResolveComment(ctx context.Context, session Session, projectID, commentID, versionID string) (store.Comment, error) {
	comment, err := s.ledger.ResolveComment(ctx, projectID, commentID, versionID, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	s.index(comment)
	return comment, nil
}

func (s *Service) ReopenComment(ctx context.Context, session Session, projectID, commentID string) (store.Comment, error) {
	comment, err := s.ledger.ReopenComment(ctx, projectID, commentID, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	s.index(comment)
	return comment, nil
}

func (s *Service) index(comment store.Comment) {
	if s.search != nil {
		s.search.IndexComment(search.RecordFromComment(comment))
	}
}

func (s *Service) ListComments(ctx context.Context, session Session, projectID, viewingVersionID string) ([]store.Comment, error) {
	return s.ledger.ListForProject(ctx, projectID, viewingVersionID, session.UserID)
}

func (s *Service) ListVersionComments(ctx context.Context, session Session, projectID, versionID string) ([]store.Comment, error) {
	return s.ledger.ListForVersion(ctx, projectID, versionID, session.UserID)
}

// Visibility resolves the comment partition for versionID and translates the
// active comments into the coordinates of the live room, if any.
func (s *Service) Visibility(ctx context.Context, session Session, projectID, versionID string) (VisibilityView, error) {
	vis, err := s.ledger.Resolve(ctx, projectID, versionID, session.UserID)
	if err != nil {
		return VisibilityView{}, err
	}
	view := VisibilityView{Visibility: vis, Anchors: []collab.AnchorPosition{}}
	if vis.ViewingVersionID == "" || len(vis.Active) == 0 {
		return view, nil
	}
	version, err := s.loadVersion(ctx, projectID, versionID)
	if err != nil {
		return VisibilityView{}, err
	}
	view.Anchors = s.rooms.Translate(collab.RoomKey{ProjectID: projectID, VersionID: versionID}, vis.Active, version.Code)
	return view, nil
}

// Search

func (s *Service) Search(ctx context.Context, session Session, projectID string, input SearchInput) (search.Response, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		ProjectID:       projectID,
		IncludeResolved: input.IncludeResolved,
		Limit:           input.Limit,
		Offset:          input.Offset,
	}), nil
}

// Export

// ExportReport renders versionID and the comments visible on it.
func (s *Service) ExportReport(ctx context.Context, session Session, projectID, versionID string, format export.Format) (*export.Result, error) {
	project, _, err := s.GetProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, apperr.WithCode(apperr.KindStorageFailure, "EXPORT_UNAVAILABLE", "report export is not configured", nil)
	}
	version, err := s.loadVersion(ctx, projectID, versionID)
	if err != nil {
		return nil, err
	}
	vis, err := s.ledger.Resolve(ctx, projectID, versionID, session.UserID)
	if err != nil {
		return nil, err
	}

	author := version.AuthorID
	if user, err := s.store.GetUserByID(ctx, version.AuthorID); err == nil {
		author = user.Name
	}
	report := export.Report{
		ProjectID:         project.ID,
		ProjectName:       project.Name,
		Language:          version.Language,
		VersionID:         version.ID,
		VersionSeq:        version.Seq,
		Author:            author,
		CreatedAt:         version.CreatedAt,
		Code:              version.Code,
		Active:            reportComments(vis.Active),
		ResolvedElsewhere: reportComments(vis.ResolvedElsewhere),
	}
	result, err := s.exporter.Export(ctx, report, format)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("project_id", projectID).
		Str("version_id", versionID).
		Str("format", string(format)).
		Bool("uploaded", result.URL != "").
		Msg("report exported")
	return result, nil
}

func reportComments(comments []store.Comment) []export.Comment {
	out := make([]export.Comment, 0, len(comments))
	for _, c := range comments {
		item := export.Comment{
			Line:         c.Line,
			EndLine:      c.LastLine(),
			Author:       c.Author.Name,
			Body:         c.Body,
			OriginalCode: c.OriginalCode,
			CreatedOnSeq: c.CreatedOnSeq,
		}
		if c.ResolvedOnSeq != nil {
			item.ResolvedOnSeq = *c.ResolvedOnSeq
		}
		out = append(out, item)
	}
	// The report reads top to bottom.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// Rooms

// JoinRoom attaches the caller to the room for versionID and reports the
// caller's level so the connection can gate edits and commits.
func (s *Service) JoinRoom(ctx context.Context, session Session, projectID, versionID string) (*collab.Handle, rbac.Level, error) {
	level, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, "", err
	}
	h, err := s.rooms.Join(ctx, collab.RoomKey{ProjectID: projectID, VersionID: versionID}, collab.Participant{
		UserID: session.UserID,
		Name:   session.UserName,
	})
	if err != nil {
		return nil, "", err
	}
	return h, level, nil
}

func (s *Service) LeaveRoom(h *collab.Handle) {
	s.rooms.Leave(h)
}

func (s *Service) TouchRoom(h *collab.Handle) {
	s.rooms.Touch(h)
}

func (s *Service) ApplyEdit(h *collab.Handle, level rbac.Level, edit collab.Edit) (int64, error) {
	if !rbac.Can(level, rbac.ActionEdit) {
		return 0, apperr.WithCode(apperr.KindForbidden, "FORBIDDEN", "insufficient role", map[string]any{"role": level, "action": rbac.ActionEdit})
	}
	return s.rooms.Apply(h, edit)
}

func (s *Service) CommitHandle(ctx context.Context, h *collab.Handle, level rbac.Level) (store.Version, collab.CommitOutcome, error) {
	if !rbac.Can(level, rbac.ActionCommit) {
		return store.Version{}, "", apperr.WithCode(apperr.KindForbidden, "FORBIDDEN", "insufficient role", map[string]any{"role": level, "action": rbac.ActionCommit})
	}
	return s.rooms.Commit(ctx, h)
}

// CommitRoom commits the room live under (projectID, versionID) on behalf of
// the caller, who need not be connected to it.
func (s *Service) CommitRoom(ctx context.Context, session Session, projectID, versionID string) (store.Version, collab.CommitOutcome, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionCommit); err != nil {
		return store.Version{}, "", err
	}
	return s.rooms.CommitKey(ctx, collab.RoomKey{ProjectID: projectID, VersionID: versionID}, session.UserID)
}

func (s *Service) RoomSnapshot(ctx context.Context, session Session, projectID, versionID string) (collab.RoomSnapshot, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return collab.RoomSnapshot{}, err
	}
	snapshot, ok := s.rooms.Snapshot(collab.RoomKey{ProjectID: projectID, VersionID: versionID})
	if !ok {
		return collab.RoomSnapshot{}, apperr.NotFound("room")
	}
	return snapshot, nil
}

// ListRooms reports the project's open rooms across API nodes. Without a
// presence store only this node's rooms are visible, through RoomSnapshot.
func (s *Service) ListRooms(ctx context.Context, session Session, projectID string) ([]RoomPresence, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	out := []RoomPresence{}
	if s.presence == nil {
		return out, nil
	}
	rooms, err := s.presence.ActiveRooms(ctx)
	if err != nil {
		return nil, apperr.Storage(err, "list rooms")
	}
	prefix := projectID + "/"
	for _, room := range rooms {
		if !strings.HasPrefix(room, prefix) {
			continue
		}
		entries, err := s.presence.Presence(ctx, room)
		if err != nil {
			return nil, apperr.Storage(err, "read presence")
		}
		item := RoomPresence{Room: room, VersionID: strings.TrimPrefix(room, prefix), Participants: make([]collab.Participant, 0, len(entries))}
		for _, e := range entries {
			item.Participants = append(item.Participants, collab.Participant{UserID: e.UserID, Name: e.Name})
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}
