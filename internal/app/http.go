package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vellum/api/internal/engine"
	"vellum/api/internal/logger"
	"vellum/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.Component("http"),
	}
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
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		s.handleListDocuments(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		s.handleCreateDocument(w, r)
		return
	}

	segments := splitPath(r.URL.Path)

	// /api/documents/{id}
	if len(segments) == 3 && segments[0] == "api" && segments[1] == "documents" {
		documentID := segments[2]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetDocument(r.Context(), documentID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPut:
			s.handleUpdateDocument(w, r, documentID)
		case http.MethodDelete:
			s.handlePurgeDocument(w, r, documentID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/documents/{id}/{action}
	if len(segments) == 4 && segments[0] == "api" && segments[1] == "documents" {
		documentID := segments[2]
		switch segments[3] {
		case "lease":
			s.handleLease(w, r, documentID)
			return
		case "audit":
			if r.Method == http.MethodGet {
				s.handleAudit(w, r, documentID)
				return
			}
		case "submit", "approve", "reject", "archive", "restore":
			if r.Method == http.MethodPost {
				s.handleTransition(w, r, documentID, segments[3])
				return
			}
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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

	// Search is optional; report it without failing readiness.
	if s.service.SearchHealthy() {
		checks["search"] = map[string]any{"status": "ok"}
	} else {
		checks["search"] = map[string]any{"status": "unavailable"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	payload, err := s.service.Search(r.Context(), q, kind, limit, offset)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	filter := store.ListFilter{
		Status:          strings.TrimSpace(r.URL.Query().Get("status")),
		Kind:            strings.TrimSpace(r.URL.Query().Get("kind")),
		GroupKey:        strings.TrimSpace(r.URL.Query().Get("groupKey")),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
		Limit:           limit,
	}
	items, err := s.service.ListDocuments(r.Context(), filter)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Kind        string `json:"kind"`
		Title       string `json:"title"`
		Content     string `json:"content"`
		GroupKey    string `json:"groupKey"`
		BatchKey    string `json:"batchKey"`
		ArtifactKey string `json:"artifactKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), identity, CreateParams{
		Kind:        body.Kind,
		Title:       body.Title,
		Content:     body.Content,
		GroupKey:    body.GroupKey,
		BatchKey:    body.BatchKey,
		ArtifactKey: body.ArtifactKey,
	})
	s.respond(w, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		ExpectedVersion int64  `json:"expectedVersion"`
		Title           string `json:"title"`
		Content         string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdateDocument(r.Context(), identity, documentID, UpdateParams{
		ExpectedVersion: body.ExpectedVersion,
		Title:           body.Title,
		Content:         body.Content,
	})
	s.respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleLease(w http.ResponseWriter, r *http.Request, documentID string) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		payload, err := s.service.AcquireLease(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	case http.MethodDelete:
		payload, err := s.service.ReleaseLease(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request, documentID, action string) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	switch action {
	case "submit":
		var body struct {
			ExpectedVersion int64 `json:"expectedVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SubmitDocument(r.Context(), identity, documentID, body.ExpectedVersion)
		s.respond(w, http.StatusOK, payload, err)
	case "approve":
		payload, err := s.service.ApproveDocument(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	case "reject":
		payload, err := s.service.RejectDocument(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	case "archive":
		payload, err := s.service.ArchiveDocument(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	case "restore":
		payload, err := s.service.RestoreDocument(r.Context(), identity, documentID)
		s.respond(w, http.StatusOK, payload, err)
	}
}

func (s *HTTPServer) handlePurgeDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.service.PurgeDocument(r.Context(), identity, documentID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, documentID string) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	events, err := s.service.AuditTrail(r.Context(), documentID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		writeError(w, errStatus, code, message, details)
		return
	}
	if m, ok := payload.(map[string]any); ok {
		if _, exists := m["outcome"]; !exists {
			m["outcome"] = string(engine.OutcomeOK)
		}
	}
	writeJSON(w, status, payload)
}

// requireIdentity resolves the caller from the headers set by the edge
// proxy. Reads are open; every mutating route goes through here.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing X-User-ID header", nil)
		return Identity{}, false
	}
	return Identity{
		UserID: userID,
		Role:   strings.TrimSpace(r.Header.Get("X-User-Role")),
	}, true
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

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID, X-User-Role")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}
