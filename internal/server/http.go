package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/auditlog"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/store"
)

const (
	headerUser    = "X-Docufen-User"
	headerSession = "X-Docufen-Session"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		sessionID := s.service.SessionID(r.Header.Get(headerSession))
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": sessionID != "",
			"sessionId":     sessionID,
		})
		return
	}

	segments := splitPath(r.URL.Path)

	// /api/documents
	if r.Method == http.MethodPost && len(segments) == 2 && segments[0] == "api" && segments[1] == "documents" {
		s.handleCreateDocument(w, r)
		return
	}

	// /api/documents/{key}/...
	if len(segments) >= 4 && segments[0] == "api" && segments[1] == "documents" {
		key := segments[2]
		rest := segments[3:]
		switch {
		case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "auditlog":
			s.handleAppend(w, r, key)
			return
		case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "auditlog" && rest[1] == "latest":
			s.handleFetchLatest(w, r, key)
			return
		case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "stage":
			s.handleTransition(w, r, key)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"userId"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	result, err := s.service.Login(r.Context(), body.UserID, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	user, state := s.authorize(r)
	if state != authOK {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Key      string `json:"key"`
		Locale   string `json:"locale"`
		Timezone string `json:"timezone"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Document key required", nil)
		return
	}
	ts, err := s.service.CreateDocument(r.Context(), user, body.Key, body.Locale, body.Timezone)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": body.Key, "timestamp": ts})
}

// handleAppend commits one checkpoint. Conflicts surface as 412 with the
// message the client sniffs to tell a held lock from a stale token.
func (s *HTTPServer) handleAppend(w http.ResponseWriter, r *http.Request, key string) {
	user, state := s.authorize(r)
	if state != authOK {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sessionID := s.service.SessionID(r.Header.Get(headerSession))

	var body AppendIn
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	result, err := s.service.Append(r.Context(), user, sessionID, key, body)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request, key string) {
	user, state := s.authorize(r)
	if state != authOK {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sessionID := s.service.SessionID(r.Header.Get(headerSession))

	var body TransitionIn
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	result, err := s.service.Transition(r.Context(), user, sessionID, key, body)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleFetchLatest(w http.ResponseWriter, r *http.Request, key string) {
	user, state := s.authorize(r)
	switch state {
	case authOK:
	case authStale:
		// Right secret but an expired window: the client refreshes its token
		// and retries rather than re-authenticating.
		writeError(w, http.StatusForbidden, "AUTHORIZATION_STALE", "Authorization expired", nil)
		return
	default:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sessionID := s.service.SessionID(r.Header.Get(headerSession))
	withLock := r.URL.Query().Get("lock") != ""

	result, err := s.service.FetchLatest(r.Context(), user, sessionID, key, withLock)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, map[string]any{"locale": nf.Locale})
			return
		}
		if errors.Is(err, errLocked) {
			writeJSON(w, http.StatusPreconditionFailed, map[string]any{
				"message": auditlog.ConflictLocked.WireMessage(),
			})
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeCheckpointError maps append/transition failures onto the wire
// contract: both conflict classes share status 412 and differ only in the
// message text.
func (s *HTTPServer) writeCheckpointError(w http.ResponseWriter, err error) {
	if errors.Is(err, errLocked) {
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"message": auditlog.ConflictLocked.WireMessage(),
		})
		return
	}
	if errors.Is(err, store.ErrStaleToken) {
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"message": auditlog.ConflictStale.WireMessage(),
		})
		return
	}
	var nf *notFoundError
	if errors.As(err, &nf) {
		writeJSON(w, http.StatusNotFound, map[string]any{"locale": nf.Locale})
		return
	}
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) authorize(r *http.Request) (store.User, authState) {
	userID := r.Header.Get(headerUser)
	token := bearerToken(r)
	if userID == "" || token == "" {
		return store.User{}, authInvalid
	}
	return s.service.Authorize(r.Context(), userID, token)
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
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+headerUser+", "+headerSession)
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
