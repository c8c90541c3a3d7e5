package review

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"postwork/api/internal/apperr"
	"postwork/api/internal/logger"
	"postwork/api/internal/metrics"
	"postwork/api/internal/rbac"
	"postwork/api/internal/store"
	"postwork/api/internal/util"
)

const maxCommentBody = 10000

type ledgerStore interface {
	accessReader
	GetVersion(ctx context.Context, projectID, versionID string) (store.Version, error)
	LatestVersion(ctx context.Context, projectID string) (store.Version, error)
	CreateComment(ctx context.Context, comment store.Comment, snapshot func(code string) string) (store.Comment, error)
	GetComment(ctx context.Context, projectID, commentID string) (store.Comment, error)
	ResolveComment(ctx context.Context, projectID, commentID, versionID, resolvedBy string, decide store.ResolveDecision) (store.Comment, bool, error)
	ReopenComment(ctx context.Context, projectID, commentID string) (bool, error)
	ListComments(ctx context.Context, projectID string) ([]store.Comment, error)
}

// Anchorer places anchor tokens into an open room for the given version. ok is
// false when no room is open for it.
type Anchorer interface {
	Anchor(projectID, versionID string, line, endLine int) (token string, ok bool)
	ReleaseAnchor(projectID, versionID, token string)
}

type CreateCommentInput struct {
	Line       int    `json:"line" validate:"required,min=1"`
	EndLine    *int   `json:"endLine,omitempty" validate:"omitempty,min=1"`
	Body       string `json:"body" validate:"required"`
	LiveAnchor string `json:"liveAnchor,omitempty"`
}

type Ledger struct {
	store   ledgerStore
	gate    *Gate
	anchors Anchorer
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewLedger(s ledgerStore, log *logger.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{
		store:   s,
		gate:    NewGate(s),
		log:     log.Component("review"),
		metrics: m,
	}
}

// SetAnchorer wires the room registry in after construction; the registry in
// turn reads comments from the ledger's store.
func (l *Ledger) SetAnchorer(a Anchorer) {
	l.anchors = a
}

func (l *Ledger) Gate() *Gate {
	return l.gate
}

func validateCreate(input CreateCommentInput) error {
	if input.Line < 1 {
		return apperr.WithCode(apperr.KindValidation, "VALIDATION_ERROR", "line must be at least 1", map[string]any{"line": input.Line})
	}
	if input.EndLine != nil && *input.EndLine < input.Line {
		return apperr.WithCode(apperr.KindValidation, "VALIDATION_ERROR", "endLine must not be before line", map[string]any{
			"line":    input.Line,
			"endLine": *input.EndLine,
		})
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return apperr.Validation("comment body is required")
	}
	if len(body) > maxCommentBody {
		return apperr.Validation("comment body is too long")
	}
	return nil
}

func (l *Ledger) CreateComment(ctx context.Context, projectID, versionID, authorID string, input CreateCommentInput) (store.Comment, error) {
	if _, err := l.gate.Require(ctx, projectID, authorID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	if err := validateCreate(input); err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:                 util.NewID("cmt"),
		ProjectID:          projectID,
		AuthorID:           authorID,
		CreatedOnVersionID: versionID,
		Line:               input.Line,
		EndLine:            input.EndLine,
		Body:               strings.TrimSpace(input.Body),
	}

	anchor := strings.TrimSpace(input.LiveAnchor)
	registered := false
	if anchor == "" && l.anchors != nil {
		anchor, registered = l.anchors.Anchor(projectID, versionID, comment.Line, comment.LastLine())
	}
	if anchor != "" {
		comment.LiveAnchor = &anchor
	}

	created, err := l.store.CreateComment(ctx, comment, func(code string) string {
		return ExtractLines(code, input.Line, input.EndLine)
	})
	if err != nil {
		if registered {
			l.anchors.ReleaseAnchor(projectID, versionID, anchor)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, apperr.NotFound("version")
		}
		return store.Comment{}, apperr.Storage(err, "create comment")
	}

	l.metrics.RecordCommentCreated()
	l.log.Debug().
		Str("project_id", projectID).
		Str("version_id", versionID).
		Str("comment_id", created.ID).
		Bool("anchored", created.LiveAnchor != nil).
		Msg("comment created")
	return created, nil
}

// decideResolution is the monotonic resolution rule: a comment cannot be
// resolved before it exists, and a recorded resolution only stands still or
// is confirmed by a later version.
func decideResolution(current store.Comment, target store.Version) (bool, error) {
	if target.Seq < current.CreatedOnSeq {
		return false, apperr.WithCode(apperr.KindValidation, "VALIDATION_ERROR", "comment cannot be resolved on a version before it was created", map[string]any{
			"createdOnSeq": current.CreatedOnSeq,
			"targetSeq":    target.Seq,
		})
	}
	if !current.IsResolved() {
		return true, nil
	}
	if target.Seq >= *current.ResolvedOnSeq {
		return false, nil
	}
	return false, apperr.WithCode(apperr.KindValidation, "VALIDATION_ERROR", "resolution cannot move to an earlier version", map[string]any{
		"resolvedOnSeq": *current.ResolvedOnSeq,
		"targetSeq":     target.Seq,
	})
}

func (l *Ledger) ResolveComment(ctx context.Context, projectID, commentID, versionID, callerID string) (store.Comment, error) {
	if _, err := l.gate.Require(ctx, projectID, callerID, rbac.ActionResolve); err != nil {
		return store.Comment{}, err
	}
	if _, err := l.store.GetVersion(ctx, projectID, versionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, apperr.NotFound("version")
		}
		return store.Comment{}, apperr.Storage(err, "load version")
	}

	comment, changed, err := l.store.ResolveComment(ctx, projectID, commentID, versionID, callerID, decideResolution)
	if err != nil {
		if apperr.KindOf(err) != "" {
			l.metrics.RecordCommentResolved("rejected")
			return store.Comment{}, err
		}
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, apperr.NotFound("comment")
		}
		return store.Comment{}, apperr.Storage(err, "resolve comment")
	}
	if changed {
		l.metrics.RecordCommentResolved("resolved")
	} else {
		l.metrics.RecordCommentResolved("noop")
	}
	return comment, nil
}

// ReopenComment clears a resolution. Reopening an open comment succeeds
// without a write.
func (l *Ledger) ReopenComment(ctx context.Context, projectID, commentID, callerID string) (store.Comment, error) {
	if _, err := l.gate.Require(ctx, projectID, callerID, rbac.ActionResolve); err != nil {
		return store.Comment{}, err
	}
	if _, err := l.store.ReopenComment(ctx, projectID, commentID); err != nil {
		return store.Comment{}, apperr.Storage(err, "reopen comment")
	}
	comment, err := l.store.GetComment(ctx, projectID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, apperr.NotFound("comment")
	}
	if err != nil {
		return store.Comment{}, apperr.Storage(err, "load comment")
	}
	return comment, nil
}

// ListForProject returns the full history when viewingVersionID is empty and
// otherwise only the comments active at that version. Order is created-on
// version desc, line asc, creation time asc in both cases.
func (l *Ledger) ListForProject(ctx context.Context, projectID, viewingVersionID, callerID string) ([]store.Comment, error) {
	if _, err := l.gate.Require(ctx, projectID, callerID, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := l.store.ListComments(ctx, projectID)
	if err != nil {
		return nil, apperr.Storage(err, "list comments")
	}
	if viewingVersionID == "" {
		return comments, nil
	}
	viewing, err := l.store.GetVersion(ctx, projectID, viewingVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("version")
	}
	if err != nil {
		return nil, apperr.Storage(err, "load version")
	}
	return filterActive(comments, viewing.Seq), nil
}

// ListForVersion returns the comments active at versionID, ordered by line
// and then creation time for inline display on that version's code.
func (l *Ledger) ListForVersion(ctx context.Context, projectID, versionID, callerID string) ([]store.Comment, error) {
	if _, err := l.gate.Require(ctx, projectID, callerID, rbac.ActionRead); err != nil {
		return nil, err
	}
	version, err := l.store.GetVersion(ctx, projectID, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("version")
	}
	if err != nil {
		return nil, apperr.Storage(err, "load version")
	}
	comments, err := l.store.ListComments(ctx, projectID)
	if err != nil {
		return nil, apperr.Storage(err, "list comments")
	}
	active := filterActive(comments, version.Seq)
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Line != active[j].Line {
			return active[i].Line < active[j].Line
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Resolve partitions the project's ledger as seen from viewingVersionID. A
// project without versions yields an empty result rather than NotFound.
func (l *Ledger) Resolve(ctx context.Context, projectID, viewingVersionID, callerID string) (Visibility, error) {
	if _, err := l.gate.Require(ctx, projectID, callerID, rbac.ActionRead); err != nil {
		return Visibility{}, err
	}
	empty := Visibility{Active: []store.Comment{}, ResolvedElsewhere: []store.Comment{}}
	if _, err := l.store.LatestVersion(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return empty, nil
		}
		return Visibility{}, apperr.Storage(err, "load latest version")
	}
	viewing, err := l.store.GetVersion(ctx, projectID, viewingVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Visibility{}, apperr.NotFound("version")
	}
	if err != nil {
		return Visibility{}, apperr.Storage(err, "load version")
	}
	comments, err := l.store.ListComments(ctx, projectID)
	if err != nil {
		return Visibility{}, apperr.Storage(err, "list comments")
	}
	out := Partition(comments, viewing.Seq)
	out.ViewingVersionID = viewing.ID
	return out, nil
}
