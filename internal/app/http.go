package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arpentage/api/internal/auth"
	"arpentage/api/internal/casefile"
	"arpentage/api/internal/editsession"
	"arpentage/api/internal/history"
	"arpentage/api/internal/rbac"
	"arpentage/api/internal/search"
	"arpentage/api/internal/store"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
	requests   *requestMetrics
}

// NewHTTPServer builds the API handler. When reg is nil /metrics is not
// served and requests are not counted.
func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger, reg *prometheus.Registry) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	if reg != nil {
		server.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		server.requests = newRequestMetrics(reg)
	}
	return server
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"email":     session.Email,
			"userName":  session.UserName,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
			"userName":      session.UserName,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				if err := s.service.Logout(r.Context(), session); err != nil {
					s.logger.Warn("revoke access token failed", zap.Error(err))
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	parts := splitPath(r.URL.Path)

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "dossiers" {
		s.handleCaseFiles(w, r, session, parts[2:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "edit-sessions" {
		s.handleEditSession(w, r, session, parts[2], parts[3:])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		query := r.URL.Query()
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
			Text:     query.Get("q"),
			Surveyor: query.Get("arpenteur"),
			Status:   query.Get("statut"),
			Limit:    queryInt(r, "limit"),
			Offset:   queryInt(r, "offset"),
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		items, err := s.service.ListNotifications(r.Context(), session, queryInt(r, "limit"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "notifications" && parts[3] == "read" {
		if err := s.service.MarkNotificationRead(r.Context(), session, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleCaseFiles serves /api/dossiers and its sub-resources; rest is the
// path after "dossiers".
func (s *HTTPServer) handleCaseFiles(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if !s.service.Can(session.Role, rbac.ActionRead) {
		s.forbid(w, r, session, rbac.ActionRead)
		return
	}

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		query := r.URL.Query()
		items, err := s.service.ListCaseFiles(r.Context(), store.CaseFileFilter{
			Status:   query.Get("statut"),
			Surveyor: query.Get("arpenteur"),
			Query:    query.Get("q"),
			Limit:    queryInt(r, "limit"),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	caseFileID := rest[0]

	if len(rest) == 1 && r.Method == http.MethodGet {
		cf, err := s.service.GetCaseFile(r.Context(), caseFileID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dossier":          cf,
			"missingAssignees": casefile.MissingAssignees(cf),
		})
		return
	}

	if len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet {
		entries, err := s.service.CaseFileHistory(r.Context(), caseFileID, queryInt(r, "limit"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": entries})
		return
	}

	if len(rest) == 3 && rest[1] == "history" && r.Method == http.MethodGet {
		snapshot, err := s.service.CaseFileSnapshot(caseFileID, rest[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dossier": snapshot, "hash": rest[2]})
		return
	}

	if len(rest) == 2 && rest[1] == "edit" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionEdit) {
			s.forbid(w, r, session, rbac.ActionEdit)
			return
		}
		view, err := s.service.OpenEditSession(r.Context(), caseFileID, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleEditSession serves /api/edit-sessions/{id}; rest is the path after
// the session id.
func (s *HTTPServer) handleEditSession(w http.ResponseWriter, r *http.Request, session Session, id string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		view, err := s.service.EditSessionView(id, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if !s.service.Can(session.Role, rbac.ActionEdit) {
		s.forbid(w, r, session, rbac.ActionEdit)
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "fields" && r.Method == http.MethodPatch:
		var body struct {
			Path  string `json:"path"`
			Value any    `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateField(id, session, body.Path, body.Value)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 1 && rest[0] == "mandats" && r.Method == http.MethodPost:
		mandate, view, err := s.service.AddMandate(id, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"mandat": mandate, "session": view})

	case len(rest) == 2 && rest[0] == "mandats" && r.Method == http.MethodDelete:
		if !s.service.Can(session.Role, rbac.ActionRemoveMandate) {
			s.forbid(w, r, session, rbac.ActionRemoveMandate)
			return
		}
		index, ok := pathIndex(w, rest[1])
		if !ok {
			return
		}
		confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
		view, err := s.service.RemoveMandate(id, session, index, confirmed)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 3 && rest[0] == "mandats" && rest[2] == "minutes" && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionManageMinutes) {
			s.forbid(w, r, session, rbac.ActionManageMinutes)
			return
		}
		index, ok := pathIndex(w, rest[1])
		if !ok {
			return
		}
		var minute casefile.Minute
		if err := decodeBody(r, &minute); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.AddMinute(r.Context(), id, session, index, minute)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		state, err := s.service.RequestClose(id, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state})

	case len(rest) == 2 && rest[0] == "close" && rest[1] == "confirm" && r.Method == http.MethodPost:
		if err := s.service.ConfirmDiscard(id, session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": editsession.StateClosed})

	case len(rest) == 2 && rest[0] == "close" && rest[1] == "cancel" && r.Method == http.MethodPost:
		view, err := s.service.CancelClose(id, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 1 && rest[0] == "save-and-close" && r.Method == http.MethodPost:
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := s.service.SaveAndClose(ctx, id, session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": editsession.StateClosed})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func pathIndex(w http.ResponseWriter, raw string) (int, bool) {
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INDEX", "mandate index must be a non-negative integer", nil)
		return 0, false
	}
	return index, true
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("access denied",
		zap.String("request_id", requestID(r.Context())),
		zap.String("user_id", session.UserID),
		zap.String("role", session.Role),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// fail maps err to its response. Server errors are logged.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.Error(err),
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.requests.observe(r.Method, writer.status, elapsed)
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, casefile.ErrValidationRejected):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationMessage(err), nil
	case errors.Is(err, editsession.ErrSessionNotFound):
		return http.StatusNotFound, "EDIT_SESSION_NOT_FOUND", "Edit session not found", nil
	case errors.Is(err, editsession.ErrSessionClosed):
		return http.StatusConflict, "EDIT_SESSION_CLOSED", "Edit session closed", nil
	case errors.Is(err, editsession.ErrClosePending):
		return http.StatusConflict, "CLOSE_PENDING", "Answer the close request first", nil
	case errors.Is(err, editsession.ErrNoCloseRequest):
		return http.StatusConflict, "NO_CLOSE_REQUEST", "No close request to answer", nil
	case errors.Is(err, editsession.ErrCaseFileLocked):
		return http.StatusLocked, "CASE_FILE_LOCKED", "Case file is being edited by another user", nil
	case errors.Is(err, casefile.ErrPersistenceFailure):
		return http.StatusBadGateway, "SAVE_FAILED", "Case file could not be saved", nil
	case errors.Is(err, history.ErrNoHistory):
		return http.StatusNotFound, "NOT_FOUND", "No history for this case file", nil
	case errors.Is(err, history.ErrInvalidID):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid case file id", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// validationMessage drops the sentinel prefix from a rejection.
func validationMessage(err error) string {
	message := err.Error()
	if i := strings.Index(message, casefile.ErrValidationRejected.Error()+": "); i >= 0 {
		return message[i+len(casefile.ErrValidationRejected.Error())+2:]
	}
	return message
}
