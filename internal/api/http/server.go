package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/search"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SearchService embeds the session-facing Searcher so the same value can be
// handed to WebSocket sessions.
type SearchService interface {
	search.Searcher
	UnifiedSearch(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	Sources() []domain.SourceInfo
	SourceDiagnostics() []domain.SourceDiagnostics
}

type Server struct {
	search          SearchService
	results         *search.ResultCache
	items           *search.ItemCache
	logger          *slog.Logger
	sessionPageSize int
	imageProxy      bool
	rateRPS         float64
	rateBurst       int
}

const maxQueryLength = 500

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCaches attaches the shared result and item caches. Nil caches disable
// caching without changing any handler's behavior.
func WithCaches(results *search.ResultCache, items *search.ItemCache) ServerOption {
	return func(s *Server) {
		s.results = results
		s.items = items
	}
}

func WithSessionPageSize(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.sessionPageSize = size
		}
	}
}

func WithImageProxy(enabled bool) ServerOption {
	return func(s *Server) {
		s.imageProxy = enabled
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:          searchService,
		logger:          slog.Default(),
		sessionPageSize: 20,
		imageProxy:      true,
		rateRPS:         50,
		rateBurst:       100,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search/sources/diagnostics", s.handleSourceDiagnostics)
	mux.HandleFunc("/search/sources", s.handleSources)
	mux.HandleFunc("/search/stream", s.handleSearchStream)
	mux.HandleFunc("/search/items", s.handleItemDetails)
	mux.HandleFunc("/search/session", s.handleSession)
	if s.imageProxy {
		mux.HandleFunc("/search/image", s.handleImageProxy)
	}
	mux.HandleFunc("/search", s.handleSearch)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "musesearch",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// pagedResponse is the /search body when the caller asked for a page window.
type pagedResponse struct {
	domain.SearchResponse
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	query, sources, noCache, ok := s.parseSearchParams(w, r)
	if !ok {
		return
	}
	page, err := parsePositiveInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid page")
		return
	}
	pageSize, err := parsePositiveInt(r, "page_size", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid page_size")
		return
	}

	response, served := domain.SearchResponse{}, false
	if !noCache {
		response, served = s.results.LookupResponse(r.Context(), query, s.lookupSources(sources))
	}
	if !served {
		response, err = s.search.UnifiedSearch(r.Context(), domain.SearchRequest{
			Query:   query,
			Sources: sources,
			NoCache: noCache,
		})
		if err != nil {
			s.logger.Warn("search request failed",
				slog.String("query", truncate(query, 80)),
				slog.String("error", err.Error()),
			)
			writeSearchError(w, err)
			return
		}
		if !noCache {
			s.results.StoreResponse(r.Context(), response)
		}
	}

	failed := make([]string, 0, len(response.Sources))
	for _, status := range response.Sources {
		if !status.OK {
			failed = append(failed, string(status.Source))
		}
	}
	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.Int("items", len(response.Items)),
		slog.Int("total", response.Total),
		slog.Bool("fromCache", response.FromCache),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Int("failedSources", len(failed)),
	)
	if len(failed) > 0 {
		s.logger.Warn("search sources partially failed",
			slog.String("query", truncate(query, 80)),
			slog.Any("failedSources", failed),
		)
	}

	if pageSize > 0 {
		writeJSON(w, http.StatusOK, paginate(response, page, pageSize))
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/stream" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	query, sources, noCache, ok := s.parseSearchParams(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "bootstrap", map[string]any{
		"phase": "bootstrap",
		"final": false,
		"query": query,
	}); err != nil {
		return // Client disconnected
	}

	if !noCache {
		if cached, served := s.results.LookupResponse(r.Context(), query, s.lookupSources(sources)); served {
			if writeSSEEvent(w, flusher, "update", cached) == nil {
				_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
			}
			return
		}
	}

	var final *domain.SearchResponse
	stream := s.search.SearchStream(r.Context(), domain.SearchRequest{
		Query:   query,
		Sources: sources,
		NoCache: noCache,
	})
	for response := range stream {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		default:
		}
		if response.Final {
			snapshot := response
			final = &snapshot
		}
		event := "progress"
		if len(response.Items) > 0 || response.Final {
			event = "update"
		}
		if err := writeSSEEvent(w, flusher, event, response); err != nil {
			return // Client disconnected
		}
	}

	if final != nil && !noCache {
		storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.results.StoreResponse(storeCtx, *final)
	}
	_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/sources" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.search.Sources(),
	})
}

func (s *Server) handleSourceDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/sources/diagnostics" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.search.SourceDiagnostics(),
	})
}

// handleItemDetails reads source and id from query parameters; Europeana ids
// contain slashes and cannot ride in the path.
func (s *Server) handleItemDetails(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/items" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	source, ok := domain.ParseSourceID(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source"))))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown source")
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	if item, hit := s.items.Get(r.Context(), source, id); hit {
		writeJSON(w, http.StatusOK, item)
		return
	}

	item, err := s.search.FetchItem(r.Context(), source, id)
	if err != nil {
		s.logger.Warn("item details failed",
			slog.String("source", string(source)),
			slog.String("id", truncate(id, 120)),
			slog.String("error", err.Error()),
		)
		writeSearchError(w, err)
		return
	}
	if item != nil {
		_ = s.items.Put(r.Context(), *item)
	}
	writeJSON(w, http.StatusOK, item)
}

// parseSearchParams validates the shared q/sources/nocache parameters,
// writing the error response itself on failure.
func (s *Server) parseSearchParams(w http.ResponseWriter, r *http.Request) (string, []domain.SourceID, bool, bool) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return "", nil, false, false
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return "", nil, false, false
	}

	sources, err := parseSources(r.URL.Query().Get("sources"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return "", nil, false, false
	}

	noCache := parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache"))
	return query, sources, noCache, true
}

// lookupSources resolves the cache-lookup set when the caller left sources
// empty and the default order applies.
func (s *Server) lookupSources(sources []domain.SourceID) []domain.SourceID {
	if len(sources) > 0 {
		return sources
	}
	return domain.DefaultSourceOrder()
}

func paginate(response domain.SearchResponse, page, pageSize int) pagedResponse {
	pageCount := (len(response.Items) + pageSize - 1) / pageSize
	if pageCount < 1 {
		pageCount = 1
	}
	if page > pageCount {
		page = pageCount
	}
	start := (page - 1) * pageSize
	if start > len(response.Items) {
		start = len(response.Items)
	}
	end := start + pageSize
	if end > len(response.Items) {
		end = len(response.Items)
	}
	paged := response
	paged.Items = response.Items[start:end]
	return pagedResponse{
		SearchResponse: paged,
		Page:           page,
		PageSize:       pageSize,
		PageCount:      pageCount,
	}
}

func parseSources(raw string) ([]domain.SourceID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]domain.SourceID, 0, len(parts))
	seen := make(map[domain.SourceID]struct{}, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value == "" {
			continue
		}
		id, ok := domain.ParseSourceID(value)
		if !ok {
			return nil, errors.New("unknown source: " + value)
		}
		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// writeSearchError maps service errors onto the HTTP surface: sentinel errors
// first, then the failure kind carried by the wrapped source error.
func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery), errors.Is(err, search.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, search.ErrNoSources):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	case errors.Is(err, search.ErrAllSourcesFailed):
		writeError(w, http.StatusBadGateway, "all_sources_failed", err.Error())
		return
	}

	status, code := statusForKind(domain.KindOf(err))
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "search failed"
	}
	writeError(w, status, code, message)
}

func statusForKind(kind domain.FailureKind) (int, string) {
	switch kind {
	case domain.FailureValidation:
		return http.StatusBadRequest, "invalid_request"
	case domain.FailureNotFound:
		return http.StatusNotFound, "not_found"
	case domain.FailureRateLimit:
		return http.StatusTooManyRequests, "rate_limited"
	case domain.FailureTimeout:
		return http.StatusGatewayTimeout, "upstream_timeout"
	case domain.FailureNetwork, domain.FailureAPI:
		return http.StatusBadGateway, "upstream_error"
	case domain.FailureCancelled:
		return http.StatusGatewayTimeout, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
