package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"kanban/api/internal/apperr"
	"kanban/api/internal/board"
	"kanban/api/internal/search"
)

const (
	DefaultUserHeader = "X-Remote-User"
	maxBodyBytes      = 8 << 20
	readyTimeout      = 5 * time.Second
)

type HTTPConfig struct {
	CORSOrigin string
	// UserHeader carries the authenticated principal, set by the proxy in
	// front of the API.
	UserHeader string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	userHeader string
	metrics    http.Handler
	logger     *slog.Logger
	validate   *requestValidator
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	if cfg.UserHeader == "" {
		cfg.UserHeader = DefaultUserHeader
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: cfg.CORSOrigin,
		userHeader: cfg.UserHeader,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		validate:   newRequestValidator(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *httprouter.Router {
	router := httprouter.New()
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, string(apperr.KindNotFound), "Not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("panic serving request",
			"request_id", requestID(r.Context()),
			"path", r.URL.Path,
			"panic", fmt.Sprint(v),
		)
		writeError(w, http.StatusInternalServerError, string(apperr.KindInternal), "Server error", nil)
	}

	router.GET("/api/health", s.handleHealth)
	router.HEAD("/api/health", s.handleHealth)
	router.GET("/api/ready", s.handleReady)
	router.HEAD("/api/ready", s.handleReady)

	router.GET("/api/boards/:id", s.handleGetBoard)
	router.PUT("/api/boards/:id", s.handleSaveBoard)
	router.GET("/api/boards/:id/lock", s.handleLockStatus)
	router.POST("/api/boards/:id/lock", s.handleAcquireLock)
	router.DELETE("/api/boards/:id/lock", s.handleReleaseLock)
	router.POST("/api/boards/:id/lock/renew", s.handleRenewLock)
	router.GET("/api/boards/:id/history", s.handleHistory)
	router.GET("/api/boards/:id/history/:hash", s.handleBoardVersion)
	router.GET("/api/boards/:id/saves", s.handleSaves)
	router.GET("/api/search", s.handleSearch)

	router.GET("/api/admin/cache", s.handleCacheStats)
	router.DELETE("/api/admin/cache", s.handleClearCache)
	router.POST("/api/admin/locks/cleanup", s.handleCleanupLocks)
	router.POST("/api/admin/search/reindex", s.handleReindex)

	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := s.service.Ready(ctx)
	checks := make(map[string]any)
	for _, name := range s.service.CheckNames() {
		if err, bad := failed[name]; bad {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status := "ready"
	statusCode := http.StatusOK
	if len(failed) > 0 {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     len(failed) == 0,
		"status": status,
		"checks": checks,
	})
}

type boardParams struct {
	DocumentID string `param:"id" validate:"required,docid"`
}

// boardID validates the :id route parameter and writes the error itself.
func (s *HTTPServer) boardID(w http.ResponseWriter, ps httprouter.Params) (string, bool) {
	params := boardParams{DocumentID: ps.ByName("id")}
	if err := s.validate.Struct(params); err != nil {
		s.fail(w, err)
		return "", false
	}
	return params.DocumentID, true
}

type pageQuery struct {
	Page     int `query:"page" validate:"gte=0"`
	PageSize int `query:"pageSize" validate:"gte=0,lte=1000"`
}

func (s *HTTPServer) handleGetBoard(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	var q pageQuery
	var err error
	if q.Page, err = queryInt(r, "page", 1); err != nil {
		s.fail(w, err)
		return
	}
	if q.PageSize, err = queryInt(r, "pageSize", 0); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(q); err != nil {
		s.fail(w, err)
		return
	}

	view, err := s.service.LoadBoard(r.Context(), s.principal(r), documentID, q.Page, q.PageSize)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type saveRequest struct {
	Board   *board.Snapshot `json:"board" validate:"required"`
	Summary string          `json:"summary" validate:"max=500"`
}

func (s *HTTPServer) handleSaveBoard(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	var body saveRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.fail(w, err)
		return
	}

	result, err := s.service.SaveBoard(r.Context(), s.principal(r), documentID, SaveInput{
		Board:   *body.Board,
		Summary: body.Summary,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleLockStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	status, err := s.service.LockStatus(r.Context(), s.principal(r), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleAcquireLock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	result, err := s.service.AcquireLock(r.Context(), s.principal(r), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReleaseLock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	result, err := s.service.ReleaseLock(r.Context(), s.principal(r), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRenewLock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	result, err := s.service.RenewLock(r.Context(), s.principal(r), documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	commits, err := s.service.History(r.Context(), s.principal(r), documentID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": commits})
}

type versionParams struct {
	Hash string `param:"hash" validate:"required,hexadecimal,min=4,max=40"`
}

func (s *HTTPServer) handleBoardVersion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	params := versionParams{Hash: ps.ByName("hash")}
	if err := s.validate.Struct(params); err != nil {
		s.fail(w, err)
		return
	}
	version, err := s.service.BoardVersion(r.Context(), s.principal(r), documentID, params.Hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleSaves(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	documentID, ok := s.boardID(w, ps)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	records, err := s.service.Saves(r.Context(), s.principal(r), documentID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

type searchQuery struct {
	Text     string `query:"q" validate:"max=200"`
	Assignee string `query:"assignee" validate:"max=200"`
	Tag      string `query:"tag" validate:"max=200"`
	Limit    int    `query:"limit" validate:"gte=0,lte=100"`
	Offset   int    `query:"offset" validate:"gte=0"`
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	values := r.URL.Query()
	q := searchQuery{
		Text:     strings.TrimSpace(values.Get("q")),
		Assignee: strings.TrimSpace(values.Get("assignee")),
		Tag:      strings.TrimSpace(values.Get("tag")),
	}
	var err error
	if q.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.fail(w, err)
		return
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(q); err != nil {
		s.fail(w, err)
		return
	}

	response, err := s.service.Search(r.Context(), s.principal(r), search.Query{
		Text:     q.Text,
		Assignee: q.Assignee,
		Tag:      q.Tag,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleCacheStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.service.CacheStats(r.Context(), s.principal(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleClearCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.service.ClearCaches(r.Context(), s.principal(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCleanupLocks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	removed, err := s.service.CleanupLocks(r.Context(), s.principal(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	indexed, err := s.service.Reindex(r.Context(), s.principal(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed": indexed})
}

func (s *HTTPServer) principal(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.userHeader))
}

// fail writes err using the shared error shape. Server errors are logged
// with their cause since the response never carries it.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err.Error())
	}
	writeError(w, status, code, message, details)
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
		setCORSHeaders(writer.Header(), s.corsOrigin, s.userHeader)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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

func setCORSHeaders(header http.Header, corsOrigin, userHeader string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+userHeader)
	header.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,PUT,DELETE,OPTIONS")
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
		return apperr.New(apperr.KindValidation, "request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.KindValidation, "request body is required")
		}
		return apperr.Validation("invalid JSON body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name+" must be an integer", err).WithDetails(map[string]any{"fields": map[string]any{name: "must be an integer"}})
	}
	return value, nil
}
