package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"canvasd/api/internal/canvas"
	"canvasd/api/internal/intent"
	"canvasd/api/internal/layout"
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
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	// Everything below lives under /api/regions/{region}/...
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "regions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	regionID := parts[2]
	session := sessionFrom(r)
	rest := parts[3:]

	switch {
	case len(rest) == 1 && rest[0] == "presence":
		s.handlePresence(w, r, session, regionID)
	case len(rest) == 1 && rest[0] == "lock":
		s.handleLock(w, r, session, regionID)
	case len(rest) == 1 && rest[0] == "cards":
		s.handleCards(w, r, session, regionID)
	case len(rest) == 2 && rest[0] == "cards":
		s.handleCard(w, r, session, regionID, rest[1], "")
	case len(rest) == 3 && rest[0] == "cards":
		s.handleCard(w, r, session, regionID, rest[1], rest[2])
	case len(rest) == 1 && rest[0] == "bulk":
		s.handleBulk(w, r, session, regionID)
	case len(rest) == 2 && rest[0] == "bulk" && rest[1] == "undo":
		s.handleUndo(w, r, session, regionID)
	case len(rest) == 1 && rest[0] == "history":
		s.handleHistory(w, r, session, regionID)
	case len(rest) == 1 && rest[0] == "notifications":
		s.handleNotifications(w, r, session, regionID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingPresence(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.service.GetPresence(r.Context(), session.Tenant, regionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	case http.MethodPost:
		if session.SessionID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_SESSION", "X-Session-ID header is required", nil)
			return
		}
		var body struct {
			IsEditing bool `json:"isEditing"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdatePresence(r.Context(), session, regionID, body.IsEditing); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	if session.SessionID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_SESSION", "X-Session-ID header is required", nil)
		return
	}
	switch r.Method {
	case http.MethodPost:
		result, err := s.service.AcquireLock(r.Context(), session, regionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := s.service.ReleaseLock(r.Context(), session, regionID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	switch r.Method {
	case http.MethodGet:
		cards, err := s.service.Cards(r.Context(), session.Tenant, regionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
	case http.MethodPost:
		var body AddCardInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.CardType) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type is required", nil)
			return
		}
		result, err := s.service.DispatchIntent(r.Context(), session, regionID, intent.AddCard{
			CardType: body.CardType,
			Position: body.Position,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cardId": result.CardID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request, session Session, regionID, cardID, action string) {
	var in intent.Intent
	switch {
	case r.Method == http.MethodDelete && action == "":
		in = intent.Close{CardID: cardID}
	case r.Method == http.MethodPost && action == "minimize":
		in = intent.Minimize{CardID: cardID}
	case r.Method == http.MethodPost && action == "restore":
		in = intent.Restore{CardID: cardID}
	case r.Method == http.MethodPost && action == "half-screen":
		in = intent.HalfScreen{CardID: cardID}
	case r.Method == http.MethodPost && action == "expand":
		in = intent.Expand{CardID: cardID}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	result, err := s.service.DispatchIntent(r.Context(), session, regionID, in)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cardId": result.CardID})
}

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body BulkInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Bulk(r.Context(), session, regionID, body); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	op, undone, err := s.service.Undo(r.Context(), session, regionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if !undone {
		writeJSON(w, http.StatusOK, map[string]any{"undone": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"undone": true, "operation": op})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	ops, err := s.service.History(r.Context(), session.Tenant, regionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, regionID string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"notifications": s.service.Notices(session.Tenant, regionID),
		})
	case http.MethodPost:
		retried := s.service.RetryNotices(session.Tenant, regionID)
		writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// sessionFrom reads caller identity from trusted headers; the auth
// gateway in front of this service populates them.
func sessionFrom(r *http.Request) Session {
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenant == "" {
		tenant = "default"
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = "anonymous"
	}
	return Session{
		Tenant:    tenant,
		UserID:    userID,
		SessionID: strings.TrimSpace(r.Header.Get("X-Session-ID")),
	}
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Tenant-ID, X-User-ID, X-Session-ID")
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
		if errors.Is(err, io.EOF) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, layout.ErrCardNotFound) {
		return http.StatusNotFound, "CARD_NOT_FOUND", "Card not found", nil
	}
	if errors.Is(err, canvas.ErrGridFull) {
		return http.StatusConflict, "GRID_FULL", "No free grid slot", nil
	}
	if errors.Is(err, canvas.ErrValidation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
