package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"postwork/api/internal/authpw"
	"postwork/api/internal/export"
	"postwork/api/internal/logger"
	"postwork/api/internal/metrics"
	"postwork/api/internal/review"
)

var errInvalidBody = errors.New("invalid JSON body")

type HTTPServer struct {
	service    *Service
	corsOrigin string
	validate   *validator.Validate
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		validate:   validate,
		log:        service.log.Component("http"),
		metrics:    service.metrics,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(s.corsOrigin, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/session", s.handleSession)
		r.Get("/api/me", s.handleMe)
		r.Get("/api/invitations", s.handleListInvitations)
		r.Post("/api/invitations/{pid}/respond", s.handleRespondInvitation)

		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)

			r.Route("/{pid}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Delete("/", s.handleDeleteProject)
				r.Post("/members", s.handleInviteMember)
				r.Get("/history", s.handleHistory)
				r.Get("/comments", s.handleListComments)
				r.Post("/comments/{cid}/reopen", s.handleReopenComment)
				r.Get("/search", s.handleSearch)
				r.Get("/rooms", s.handleListRooms)

				r.Get("/v", s.handleListVersions)
				r.Post("/v", s.handleAppendVersion)
				r.Route("/v/{vid}", func(r chi.Router) {
					r.Get("/", s.handleGetVersion)
					r.Get("/diff", s.handleDiff)
					r.Get("/comments", s.handleListVersionComments)
					r.Post("/comments", s.handleCreateComment)
					r.Delete("/comments/{cid}", s.handleResolveComment)
					r.Get("/visibility", s.handleVisibility)
					r.Post("/export", s.handleExport)
					r.Get("/room", s.handleRoomSnapshot)
					r.Post("/room/commit", s.handleRoomCommit)
					r.Get("/ws", s.handleRoomSocket)
				})
			})
		})
	})
	return r
}

// Health

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

// Auth

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authpw.RegisterRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	sess, err := s.service.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authpw.SignInRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	sess, err := s.service.SignIn(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func sessionResponse(sess authpw.Session) map[string]any {
	return map[string]any{
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt,
		"user":      toUserView(sess.User),
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user, points, err := s.service.Me(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   toUserView(user),
		"points": toPointsViews(points),
	})
}

// Projects

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": toProjectViews(projects)})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input CreateProjectInput
	if !s.decodeAndValidate(w, r, &input) {
		return
	}
	project, err := s.service.CreateProject(r.Context(), sessionFrom(r.Context()), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view := toProjectView(project)
	view.Role = "owner"
	writeJSON(w, http.StatusCreated, map[string]any{"project": view})
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, level, err := s.service.GetProject(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view := toProjectView(project)
	view.Role = string(level)
	writeJSON(w, http.StatusOK, map[string]any{"project": view})
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProject(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Members and invitations

func (s *HTTPServer) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	var input InviteMemberInput
	if !s.decodeAndValidate(w, r, &input) {
		return
	}
	membership, err := s.service.InviteMember(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"membership": toMembershipView(membership)})
}

func (s *HTTPServer) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListInvitations(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": toInvitationViews(items)})
}

type respondInvitationRequest struct {
	Action string `json:"action" validate:"required,oneof=accept decline"`
}

func (s *HTTPServer) handleRespondInvitation(w http.ResponseWriter, r *http.Request) {
	var req respondInvitationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	accept := req.Action == "accept"
	membership, err := s.service.RespondInvitation(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), accept)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":   accept,
		"membership": toMembershipView(membership),
	})
}

// Versions and history

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": toVersionViews(versions)})
}

func (s *HTTPServer) handleAppendVersion(w http.ResponseWriter, r *http.Request) {
	var input AppendVersionInput
	if !s.decodeAndValidate(w, r, &input) {
		return
	}
	version, err := s.service.AppendVersion(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": toVersionView(version, true)})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.GetVersion(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": toVersionView(version, true)})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	patch, err := s.service.Diff(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), chi.URLParam(r, "vid"), r.URL.Query().Get("against"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": patch})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.service.History(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

// Comments

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListComments(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), r.URL.Query().Get("versionId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": toCommentViews(items)})
}

func (s *HTTPServer) handleListVersionComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListVersionComments(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": toCommentViews(items)})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var input review.CreateCommentInput
	if !s.decodeAndValidate(w, r, &input) {
		return
	}
	comment, err := s.service.CreateComment(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), chi.URLParam(r, "vid"), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": toCommentView(comment)})
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.service.ResolveComment(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), chi.URLParam(r, "cid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": toCommentView(comment)})
}

func (s *HTTPServer) handleReopenComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.service.ReopenComment(r.Context(), sessionFrom(r.Context()),
		chi.URLParam(r, "pid"), chi.URLParam(r, "cid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": toCommentView(comment)})
}

func (s *HTTPServer) handleVisibility(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Visibility(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"viewingVersionId":  view.ViewingVersionID,
		"viewingSeq":        view.ViewingSeq,
		"active":            toCommentViews(view.Active),
		"resolvedElsewhere": toCommentViews(view.ResolvedElsewhere),
		"anchors":           view.Anchors,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	includeResolved, _ := strconv.ParseBool(query.Get("includeResolved"))
	resp, err := s.service.Search(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), SearchInput{
		Text:            query.Get("q"),
		IncludeResolved: includeResolved,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export

type exportRequest struct {
	Format string `json:"format" validate:"omitempty,oneof=pdf html"`
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	format, ok := export.ParseFormat(req.Format)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or html", nil)
		return
	}
	result, err := s.service.ExportReport(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "vid"), format)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if result.URL != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"url":      result.URL,
			"filename": result.Filename,
			"mimeType": result.MimeType,
		})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// Rooms

func (s *HTTPServer) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.RoomSnapshot(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": snapshot})
}

func (s *HTTPServer) handleRoomCommit(w http.ResponseWriter, r *http.Request) {
	version, outcome, err := s.service.CommitRoom(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome,
		"version": toVersionView(version, false),
	})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.service.ListRooms(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "pid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// Middleware and helpers

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.RecordHTTPRequest(r.Method, route, writer.status, elapsed)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().
			Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errInvalidBody
	}
	return nil
}

// decodeAndValidate reads the JSON body into target and runs its validate
// tags. It writes the error response itself and reports whether to continue.
func (s *HTTPServer) decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return false
		}
		fields := make([]map[string]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, map[string]string{"field": fe.Field(), "rule": fe.Tag()})
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "request failed validation", map[string]any{"fields": fields})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
