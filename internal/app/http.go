package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/activity"
	"corkboard/api/internal/auth"
	"corkboard/api/internal/ordering"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *log.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
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

		checks := map[string]any{"database": map[string]any{"status": "ok"}}
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": statusCode == http.StatusOK, "checks": checks})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":    session.Token,
			"userId":   session.UserID,
			"userName": session.UserName,
		})
		return
	}

	session, err := s.service.SessionFromToken(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.URL.Path == "/api/boards" {
		switch r.Method {
		case http.MethodGet:
			boards, err := s.service.ListBoards(r.Context())
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"boards": boardPayloads(boards)})
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			board, err := s.service.CreateBoard(r.Context(), session, body.Title)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, boardPayload(board))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "boards":
		s.handleBoard(w, r, session, parts[2:])
	case "columns":
		s.handleColumn(w, r, session, parts[2:])
	case "cards":
		s.handleCard(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	boardID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetBoardView(r.Context(), boardID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, boardViewPayload(view))
		case http.MethodPut:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			board, err := s.service.RenameBoard(r.Context(), session, boardID, body.Title)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, boardPayload(board))
		case http.MethodDelete:
			if err := s.service.DeleteBoard(r.Context(), session, boardID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "activities" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.service.ListBoardActivities(r.Context(), boardID, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		if records == nil {
			records = []activity.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"activities": records})
	case len(parts) == 2 && parts[1] == "columns" && r.Method == http.MethodPost:
		var body struct {
			Title    string `json:"title"`
			Position *int   `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		column, err := s.service.CreateColumn(r.Context(), session, boardID, body.Title, body.Position)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, columnPayload(column))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleColumn(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	columnID := parts[0]

	if len(parts) == 2 && parts[1] == "cards" && r.Method == http.MethodPost {
		var input CreateCardInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		card, err := s.service.CreateCard(r.Context(), session, columnID, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cardPayload(card))
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var input UpdateColumnInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		column, err := s.service.UpdateColumn(r.Context(), session, columnID, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, columnPayload(column))
	case http.MethodDelete:
		if err := s.service.DeleteColumn(r.Context(), session, columnID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	cardID := parts[0]

	if len(parts) == 2 && parts[1] == "assignee" && r.Method == http.MethodPut {
		var body struct {
			AssigneeID *string `json:"assigneeId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.AssigneeID != nil && *body.AssigneeID == "" {
			body.AssigneeID = nil
		}
		card, err := s.service.AssignCard(r.Context(), session, cardID, body.AssigneeID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cardPayload(card))
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var input UpdateCardInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		card, err := s.service.UpdateCard(r.Context(), session, cardID, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cardPayload(card))
	case http.MethodDelete:
		if err := s.service.DeleteCard(r.Context(), session, cardID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ordering.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ordering.ErrInvalidPosition):
		return http.StatusBadRequest, "INVALID_POSITION", "Position out of range", nil
	case errors.Is(err, ordering.ErrCrossScopeForbidden):
		return http.StatusBadRequest, "CROSS_SCOPE_FORBIDDEN", "Member cannot change scope", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
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
