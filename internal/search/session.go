package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
)

var ErrSessionClosed = errors.New("session is closed")

// Searcher is the orchestrator surface a session depends on.
type Searcher interface {
	SearchStream(ctx context.Context, request domain.SearchRequest) <-chan domain.SearchResponse
	FetchItem(ctx context.Context, source domain.SourceID, id string) (*domain.ResultItem, error)
}

var _ Searcher = (*Service)(nil)

type SessionPhase string

const (
	SessionIdle      SessionPhase = "idle"
	SessionSearching SessionPhase = "searching"
	SessionStreaming SessionPhase = "streaming-partial"
	SessionComplete  SessionPhase = "complete"
	SessionCancelled SessionPhase = "cancelled"
	SessionError     SessionPhase = "error"
)

// SessionState is the UI-consumable snapshot published on every mutation.
// Items holds the current page slice; TotalItems is the length of the whole
// unified list; Total is the sum of upstream-reported match counts.
type SessionState struct {
	SessionID  string                  `json:"sessionId"`
	State      SessionPhase            `json:"state"`
	Query      string                  `json:"query,omitempty"`
	Items      []domain.ResultItem     `json:"items"`
	TotalItems int                     `json:"totalItems"`
	Total      int                     `json:"total"`
	Page       int                     `json:"page"`
	PageCount  int                     `json:"pageCount"`
	PageSize   int                     `json:"pageSize"`
	Sources    []domain.SourceStatus   `json:"sources,omitempty"`
	Progress   []domain.SearchProgress `json:"progress,omitempty"`
	Warnings   []domain.SourceWarning  `json:"warnings,omitempty"`
	FromCache  bool                    `json:"fromCache,omitempty"`
	Error      string                  `json:"error,omitempty"`
	ErrorKind  domain.FailureKind      `json:"errorKind,omitempty"`
}

const (
	defaultSessionPageSize = 20
	sessionEventBuffer     = 32
)

// Session owns the mutable state of one client's current search: the query,
// the unified result list, the pagination window and the cancellation handle.
// At most one search is active per session; starting a new one cancels the
// previous one before any state changes, and results stamped with a stale
// generation are discarded so an old query can never leak items into a new
// one.
type Session struct {
	id       string
	searcher Searcher
	results  *ResultCache
	details  *ItemCache
	sources  []domain.SourceID
	pageSize int

	mu         sync.Mutex
	generation int64
	cancel     context.CancelFunc
	state      SessionPhase
	query      string
	list       []domain.ResultItem
	seen       map[string]struct{}
	total      int
	page       int
	statuses   []domain.SourceStatus
	progress   []domain.SearchProgress
	warnings   []domain.SourceWarning
	fromCache  bool
	lastError  string
	errorKind  domain.FailureKind
	closed     bool

	events chan SessionState
}

type SessionOption func(*Session)

func WithSessionPageSize(size int) SessionOption {
	return func(s *Session) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func WithSessionSources(sources []domain.SourceID) SessionOption {
	return func(s *Session) {
		if len(sources) > 0 {
			s.sources = append([]domain.SourceID(nil), sources...)
		}
	}
}

func NewSession(searcher Searcher, results *ResultCache, details *ItemCache, opts ...SessionOption) *Session {
	session := &Session{
		id:       uuid.NewString(),
		searcher: searcher,
		results:  results,
		details:  details,
		pageSize: defaultSessionPageSize,
		state:    SessionIdle,
		page:     1,
		seen:     make(map[string]struct{}),
		events:   make(chan SessionState, sessionEventBuffer),
	}
	for _, opt := range opts {
		opt(session)
	}
	metrics.ActiveSessions.Inc()
	return session
}

func (s *Session) ID() string {
	return s.id
}

// Events delivers ordered state snapshots. When a consumer lags the oldest
// snapshot is dropped so the latest state always gets through.
func (s *Session) Events() <-chan SessionState {
	return s.events
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Search cancels any in-flight search, then either serves the query straight
// from cache (every configured source fresh, no network) or starts the
// orchestrator stream and folds its snapshots into session state.
func (s *Session) Search(query string) error {
	normalized, err := ValidateQuery(query)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	generation := s.generation

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.resetLocked(normalized)
	s.publishLocked()
	sources := append([]domain.SourceID(nil), s.sources...)
	s.mu.Unlock()

	if cached, ok := s.results.LookupResponse(ctx, normalized, s.cacheSources(sources)); ok {
		s.mu.Lock()
		if s.generation == generation && !s.closed {
			s.foldLocked(cached)
			s.state = SessionComplete
			s.cancel = nil
			s.publishLocked()
		}
		s.mu.Unlock()
		cancel()
		return nil
	}

	stream := s.searcher.SearchStream(ctx, domain.SearchRequest{Query: normalized, Sources: sources})
	go s.consume(generation, cancel, stream)
	return nil
}

// cacheSources resolves the cache-lookup source set when the session relies
// on the service's default order.
func (s *Session) cacheSources(sources []domain.SourceID) []domain.SourceID {
	if len(sources) > 0 {
		return sources
	}
	return domain.DefaultSourceOrder()
}

func (s *Session) consume(generation int64, cancel context.CancelFunc, stream <-chan domain.SearchResponse) {
	defer cancel()

	var final *domain.SearchResponse
	completed := false
	for snapshot := range stream {
		s.mu.Lock()
		if s.generation != generation || s.closed {
			// A newer search owns the session now; late results are dropped.
			s.mu.Unlock()
			return
		}
		s.foldLocked(snapshot)
		if snapshot.Final {
			final = &snapshot
			if err := totalFailure(snapshot); err != nil {
				s.state = SessionError
				s.lastError = "all sources unavailable"
				s.errorKind = firstFailureKind(snapshot)
			} else {
				s.state = SessionComplete
				completed = true
			}
			s.cancel = nil
		} else if len(snapshot.Items) > 0 {
			s.state = SessionStreaming
		}
		s.publishLocked()
		s.mu.Unlock()
	}

	if final == nil {
		// The stream ended without a final snapshot (validation raced or the
		// service shut down); report it rather than hanging in "searching".
		s.mu.Lock()
		if s.generation == generation && !s.closed && s.state == SessionSearching {
			s.state = SessionError
			s.lastError = "search ended unexpectedly"
			s.errorKind = domain.FailureUnknown
			s.cancel = nil
			s.publishLocked()
		}
		s.mu.Unlock()
		return
	}

	if completed {
		storeCtx, cancelStore := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStore()
		s.results.StoreResponse(storeCtx, *final)
	}
}

// ChangePage slices the in-memory unified list; it never touches the network.
func (s *Session) ChangePage(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pageCount := s.pageCountLocked()
	if pageCount < 1 {
		pageCount = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pageCount {
		page = pageCount
	}
	s.page = page
	s.publishLocked()
}

// Refresh evicts the active query's cache entries and re-runs the search.
func (s *Session) Refresh() error {
	s.mu.Lock()
	query := s.query
	sources := s.cacheSources(s.sources)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if query == "" {
		return ErrInvalidQuery
	}

	evictCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.results.Evict(evictCtx, query, sources...)

	return s.Search(query)
}

// Cancel aborts the in-flight search. Cancelled work never surfaces as an
// error; the session just stops where it is.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.generation++
	s.state = SessionCancelled
	s.progress = nil
	s.publishLocked()
}

// ItemDetails fetches one record, cached per (source, id) independently of
// the search lifecycle.
func (s *Session) ItemDetails(ctx context.Context, source domain.SourceID, id string) (*domain.ResultItem, error) {
	if item, ok := s.details.Get(ctx, source, id); ok {
		return item, nil
	}
	item, err := s.searcher.FetchItem(ctx, source, id)
	if err != nil {
		return nil, err
	}
	if item != nil {
		_ = s.details.Put(ctx, *item)
	}
	return item, nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	close(s.events)
	metrics.ActiveSessions.Dec()
}

// resetLocked clears per-search state for a new query.
func (s *Session) resetLocked(query string) {
	s.state = SessionSearching
	s.query = query
	s.list = nil
	s.seen = make(map[string]struct{})
	s.total = 0
	s.page = 1
	s.statuses = nil
	s.progress = nil
	s.warnings = nil
	s.fromCache = false
	s.lastError = ""
	s.errorKind = ""
}

// foldLocked merges a snapshot into the unified list by id-dedup: an item
// whose (source, id) is already present is never added again, so overlapping
// progress updates cannot duplicate rows.
func (s *Session) foldLocked(response domain.SearchResponse) {
	for _, item := range response.Items {
		key := item.Key()
		if _, exists := s.seen[key]; exists {
			continue
		}
		s.seen[key] = struct{}{}
		s.list = append(s.list, item)
	}
	s.total = response.Total
	s.statuses = response.Sources
	s.progress = response.Progress
	s.warnings = response.Warnings
	s.fromCache = response.FromCache
}

func (s *Session) pageCountLocked() int {
	return ceilDiv(len(s.list), s.pageSize)
}

func (s *Session) pageSliceLocked() []domain.ResultItem {
	start := (s.page - 1) * s.pageSize
	if start > len(s.list) {
		start = len(s.list)
	}
	end := start + s.pageSize
	if end > len(s.list) {
		end = len(s.list)
	}
	page := make([]domain.ResultItem, end-start)
	copy(page, s.list[start:end])
	return page
}

func (s *Session) stateLocked() SessionState {
	return SessionState{
		SessionID:  s.id,
		State:      s.state,
		Query:      s.query,
		Items:      s.pageSliceLocked(),
		TotalItems: len(s.list),
		Total:      s.total,
		Page:       s.page,
		PageCount:  s.pageCountLocked(),
		PageSize:   s.pageSize,
		Sources:    append([]domain.SourceStatus(nil), s.statuses...),
		Progress:   append([]domain.SearchProgress(nil), s.progress...),
		Warnings:   append([]domain.SourceWarning(nil), s.warnings...),
		FromCache:  s.fromCache,
		Error:      s.lastError,
		ErrorKind:  s.errorKind,
	}
}

// publishLocked pushes the current state, dropping the oldest queued
// snapshot when the subscriber lags.
func (s *Session) publishLocked() {
	if s.closed {
		return
	}
	snapshot := s.stateLocked()
	select {
	case s.events <- snapshot:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- snapshot:
		default:
		}
	}
}

func firstFailureKind(response domain.SearchResponse) domain.FailureKind {
	for _, status := range response.Sources {
		if !status.OK && status.ErrorKind != "" && status.ErrorKind != domain.FailureCancelled {
			return status.ErrorKind
		}
	}
	return domain.FailureUnknown
}
