package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"postwork/api/internal/apperr"
	"postwork/api/internal/authpw"
	"postwork/api/internal/collab"
	"postwork/api/internal/config"
	"postwork/api/internal/export"
	"postwork/api/internal/gitrepo"
	"postwork/api/internal/logger"
	"postwork/api/internal/metrics"
	"postwork/api/internal/rbac"
	"postwork/api/internal/review"
	"postwork/api/internal/search"
	"postwork/api/internal/session"
	"postwork/api/internal/store"
	"postwork/api/internal/util"
)

const defaultLanguage = "javascript"

// Session is the authenticated caller of a request.
type Session struct {
	UserID   string
	UserName string
	Email    string
}

type CreateProjectInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Language    string `json:"language" validate:"max=50"`
}

type InviteMemberInput struct {
	Invitee string `json:"invitee" validate:"required"`
	Role    string `json:"role" validate:"omitempty,oneof=maintainer reviewer"`
}

type AppendVersionInput struct {
	Code     string `json:"code"`
	Language string `json:"language" validate:"max=50"`
}

type dataStore interface {
	Ping(context.Context) error
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	FindUserByEmailOrName(context.Context, string) (store.User, error)
	ListPointsTransactions(context.Context, string) ([]store.PointsTransaction, error)
	CreateProject(context.Context, store.Project) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	DeleteProject(context.Context, string) (bool, error)
	UpsertMembership(context.Context, store.Membership) (store.Membership, error)
	ListPendingInvitations(context.Context, string) ([]store.Invitation, error)
	AcceptInvitation(context.Context, string, string, int, int) (store.Membership, error)
	DeclineInvitation(context.Context, string, string) error
	AppendVersion(context.Context, store.Version) (store.Version, error)
	GetVersion(context.Context, string, string) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	SetVersionCommitHash(context.Context, string, string) (bool, error)
}

type historyMirror interface {
	CommitVersion(store.Version, string) (gitrepo.Mirrored, error)
	History(string, int) ([]store.CommitInfo, error)
	Diff(string, int64, int64) (string, error)
	Remove(string) error
}

type commentSearch interface {
	Search(search.Query) search.Response
	IndexComment(search.CommentRecord)
}

type reportExporter interface {
	Export(context.Context, export.Report, export.Format) (*export.Result, error)
}

type presenceReader interface {
	ActiveRooms(context.Context) ([]string, error)
	Presence(context.Context, string) ([]session.PresenceEntry, error)
}

// Components are the collaborators a Service is assembled from. Only Store,
// Ledger and Rooms are required.
type Components struct {
	Store    dataStore
	Ledger   *review.Ledger
	Rooms    *collab.Registry
	Git      historyMirror
	Search   commentSearch
	Exporter reportExporter
	Presence presenceReader
	// Checks are extra readiness probes keyed by dependency name.
	Checks  map[string]func(context.Context) error
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	cfg      config.Config
	store    dataStore
	gate     *review.Gate
	ledger   *review.Ledger
	rooms    *collab.Registry
	auth     *authpw.Service
	git      historyMirror
	search   commentSearch
	exporter reportExporter
	presence presenceReader
	checks   map[string]func(context.Context) error
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func New(cfg config.Config, c Components) *Service {
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	s := &Service{
		cfg:      cfg,
		store:    c.Store,
		gate:     c.Ledger.Gate(),
		ledger:   c.Ledger,
		rooms:    c.Rooms,
		auth:     authpw.NewService(c.Store, cfg.JWTSecret, cfg.AccessTTL),
		git:      c.Git,
		search:   c.Search,
		exporter: c.Exporter,
		presence: c.Presence,
		checks:   c.Checks,
		log:      c.Logger.Component("app"),
		metrics:  c.Metrics,
	}
	s.rooms.OnCommit(func(ctx context.Context, version store.Version) {
		s.afterAppend(context.WithoutCancel(ctx), version)
	})
	return s
}

// Readiness

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready pings the database plus every configured extra check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]CheckResult) {
	results := map[string]CheckResult{}
	ready := true
	run := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			ready = false
			results[name] = CheckResult{Status: "error", Error: err.Error()}
			return
		}
		results[name] = CheckResult{Status: "ok"}
	}
	run("database", s.store.Ping)
	for name, check := range s.checks {
		run(name, check)
	}
	return ready, results
}

// Sessions

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.auth.Authenticate(token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.UserID(), UserName: claims.Name, Email: claims.Email}, nil
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (authpw.Session, error) {
	return s.auth.Register(ctx, req)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (authpw.Session, error) {
	return s.auth.SignIn(ctx, req)
}

// Me returns the caller's account and points ledger.
func (s *Service) Me(ctx context.Context, session Session) (store.User, []store.PointsTransaction, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, nil, apperr.NotFound("user")
	}
	if err != nil {
		return store.User{}, nil, apperr.Storage(err, "load user")
	}
	points, err := s.store.ListPointsTransactions(ctx, session.UserID)
	if err != nil {
		return store.User{}, nil, apperr.Storage(err, "list points")
	}
	return user, points, nil
}

// Projects

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, apperr.Validation("name is required")
	}
	language := strings.TrimSpace(input.Language)
	if language == "" {
		language = s.cfg.DefaultLanguage
	}
	if language == "" {
		language = defaultLanguage
	}
	project, err := s.store.CreateProject(ctx, store.Project{
		ID:          util.NewID("prj"),
		OwnerID:     session.UserID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Language:    language,
	})
	if err != nil {
		return store.Project{}, apperr.Storage(err, "create project")
	}
	s.log.Info().Str("project_id", project.ID).Str("owner_id", session.UserID).Msg("project created")
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, rbac.Level, error) {
	level, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return store.Project{}, "", err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, "", apperr.NotFound("project")
	}
	if err != nil {
		return store.Project{}, "", apperr.Storage(err, "load project")
	}
	return project, level, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, apperr.Storage(err, "list projects")
	}
	return projects, nil
}

// DeleteProject removes the project with its versions and comments. The
// history mirror is dropped best-effort.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionDelete); err != nil {
		return err
	}
	deleted, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return apperr.Storage(err, "delete project")
	}
	if !deleted {
		return apperr.NotFound("project")
	}
	if s.git != nil {
		if err := s.git.Remove(projectID); err != nil {
			s.log.Warn().Err(err).Str("project_id", projectID).Msg("remove history mirror failed")
		}
	}
	s.log.Info().Str("project_id", projectID).Str("user_id", session.UserID).Msg("project deleted")
	return nil
}

// Members and invitations

func (s *Service) InviteMember(ctx context.Context, session Session, projectID string, input InviteMemberInput) (store.Membership, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionInvite); err != nil {
		return store.Membership{}, err
	}
	role := rbac.LevelMaintainer
	if input.Role != "" {
		role = rbac.Level(strings.ToLower(strings.TrimSpace(input.Role)))
	}
	if !rbac.Invitable(role) {
		return store.Membership{}, apperr.WithCode(apperr.KindValidation, "VALIDATION_ERROR", "role must be maintainer or reviewer", map[string]any{"role": input.Role})
	}
	invitee := strings.TrimSpace(input.Invitee)
	if invitee == "" {
		return store.Membership{}, apperr.Validation("invitee is required")
	}

	user, err := s.store.FindUserByEmailOrName(ctx, invitee)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, apperr.NotFound("user")
	}
	if err != nil {
		return store.Membership{}, apperr.Storage(err, "find invitee")
	}
	if user.ID == session.UserID {
		return store.Membership{}, apperr.Validation("you cannot invite yourself")
	}

	membership, err := s.store.UpsertMembership(ctx, store.Membership{
		ProjectID: projectID,
		UserID:    user.ID,
		Role:      string(role),
		InvitedBy: session.UserID,
	})
	if err != nil {
		return store.Membership{}, apperr.Storage(err, "invite member")
	}
	s.log.Info().
		Str("project_id", projectID).
		Str("invitee_id", user.ID).
		Str("role", membership.Role).
		Msg("member invited")
	return membership, nil
}

func (s *Service) ListInvitations(ctx context.Context, session Session) ([]store.Invitation, error) {
	items, err := s.store.ListPendingInvitations(ctx, session.UserID)
	if err != nil {
		return nil, apperr.Storage(err, "list invitations")
	}
	return items, nil
}

// RespondInvitation accepts or declines the caller's invitation to a project.
// Accepting credits the configured points to the invitee and the owner.
func (s *Service) RespondInvitation(ctx context.Context, session Session, projectID string, accept bool) (store.Membership, error) {
	if !accept {
		err := s.store.DeclineInvitation(ctx, projectID, session.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Membership{}, apperr.NotFound("invitation")
		}
		if err != nil {
			return store.Membership{}, apperr.Storage(err, "decline invitation")
		}
		return store.Membership{ProjectID: projectID, UserID: session.UserID}, nil
	}

	membership, err := s.store.AcceptInvitation(ctx, projectID, session.UserID, s.cfg.InviteeRewardPts, s.cfg.OwnerRewardPts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Membership{}, apperr.NotFound("invitation")
	case errors.Is(err, store.ErrAlreadyAccepted):
		return store.Membership{}, apperr.Conflict("invitation already accepted")
	case err != nil:
		return store.Membership{}, apperr.Storage(err, "accept invitation")
	}
	s.log.Info().Str("project_id", projectID).Str("user_id", session.UserID).Msg("invitation accepted")
	return membership, nil
}

// Versions

func (s *Service) ListVersions(ctx context.Context, session Session, projectID string) ([]store.Version, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, projectID)
	if err != nil {
		return nil, apperr.Storage(err, "list versions")
	}
	return versions, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, projectID, versionID string) (store.Version, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return store.Version{}, err
	}
	return s.loadVersion(ctx, projectID, versionID)
}

func (s *Service) loadVersion(ctx context.Context, projectID, versionID string) (store.Version, error) {
	version, err := s.store.GetVersion(ctx, projectID, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, apperr.NotFound("version")
	}
	if err != nil {
		return store.Version{}, apperr.Storage(err, "load version")
	}
	return version, nil
}

// AppendVersion stores code as the project's next version outside any room.
func (s *Service) AppendVersion(ctx context.Context, session Session, projectID string, input AppendVersionInput) (store.Version, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionCommit); err != nil {
		return store.Version{}, err
	}
	version, err := s.store.AppendVersion(ctx, store.Version{
		ID:        util.NewID("ver"),
		ProjectID: projectID,
		AuthorID:  session.UserID,
		Language:  strings.TrimSpace(input.Language),
		Code:      input.Code,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, apperr.NotFound("project")
	}
	if err != nil {
		return store.Version{}, apperr.Storage(err, "append version")
	}
	s.afterAppend(ctx, version)
	return version, nil
}

// afterAppend runs for every new version, whether appended directly or
// committed from a room. Mirror failures are logged and never surface.
func (s *Service) afterAppend(ctx context.Context, version store.Version) {
	s.metrics.RecordVersionAppended()
	s.log.Info().
		Str("project_id", version.ProjectID).
		Str("version_id", version.ID).
		Int64("seq", version.Seq).
		Msg("version appended")
	if s.git == nil {
		return
	}

	author := version.AuthorID
	if user, err := s.store.GetUserByID(ctx, version.AuthorID); err == nil {
		author = user.Name
	}
	mirrored, err := s.git.CommitVersion(version, author)
	if err != nil {
		s.log.Warn().Err(err).Str("version_id", version.ID).Msg("mirror version failed")
		return
	}
	if _, err := s.store.SetVersionCommitHash(ctx, version.ID, mirrored.Hash); err != nil {
		s.log.Warn().Err(err).Str("version_id", version.ID).Msg("record commit hash failed")
	}
}

// History lists the mirror's commits, newest first.
func (s *Service) History(ctx context.Context, session Session, projectID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.git.History(projectID, limit)
	if errors.Is(err, gitrepo.ErrNoRepo) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, apperr.Storage(err, "read history")
	}
	return items, nil
}

// Diff renders the unified diff from againstID to versionID.
func (s *Service) Diff(ctx context.Context, session Session, projectID, versionID, againstID string) (string, error) {
	if _, err := s.gate.Require(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return "", err
	}
	if strings.TrimSpace(againstID) == "" {
		return "", apperr.Validation("against is required")
	}
	to, err := s.loadVersion(ctx, projectID, versionID)
	if err != nil {
		return "", err
	}
	from, err := s.loadVersion(ctx, projectID, againstID)
	if err != nil {
		return "", err
	}
	if s.git == nil {
		return "", apperr.WithCode(apperr.KindNotFound, "HISTORY_UNAVAILABLE", "version history is not enabled", nil)
	}
	patch, err := s.git.Diff(projectID, from.Seq, to.Seq)
	if errors.Is(err, gitrepo.ErrNoRepo) {
		return "", apperr.WithCode(apperr.KindNotFound, "HISTORY_UNAVAILABLE", "versions are not in the history mirror", map[string]any{
			"from": from.Seq,
			"to":   to.Seq,
		})
	}
	if err != nil {
		return "", apperr.Storage(err, "diff versions")
	}
	return patch, nil
}
