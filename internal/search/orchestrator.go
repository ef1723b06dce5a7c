package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
)

type preparedSearch struct {
	query   string
	sources []domain.SourceID
}

func (s *Service) prepareSearch(request domain.SearchRequest) (preparedSearch, error) {
	query, err := ValidateQuery(request.Query)
	if err != nil {
		return preparedSearch{}, err
	}
	sources, err := s.resolveSources(request.Sources)
	if err != nil {
		return preparedSearch{}, err
	}
	return preparedSearch{query: query, sources: sources}, nil
}

// UnifiedSearch runs every requested source concurrently and blocks until all
// of them settle. The response carries per-source statuses and warnings; the
// returned error is non-nil only for invalid input or when every source
// failed, which is distinct from a successful search with zero results.
func (s *Service) UnifiedSearch(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	prepared, err := s.prepareSearch(request)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	final := s.executeUnifiedSearch(ctx, prepared, nil)
	if err := totalFailure(final); err != nil {
		return final, err
	}
	return final, nil
}

// SearchStream emits a snapshot after every settled batch and every completed
// source, then the final snapshot with Final=true, and closes the channel.
// The first snapshot whose merged list is non-empty is marked "partial": it
// is the fast-path intermediate result, surfaced the moment the quickest
// non-empty source lands while slower sources keep running.
func (s *Service) SearchStream(ctx context.Context, request domain.SearchRequest) <-chan domain.SearchResponse {
	ch := make(chan domain.SearchResponse, 16)

	prepared, err := s.prepareSearch(request)
	if err != nil {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		s.executeUnifiedSearch(ctx, prepared, func(snapshot domain.SearchResponse) {
			select {
			case ch <- snapshot:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// searchState accumulates per-source outcomes under one mutex. Slices are
// indexed by the source's position in the request's priority order, so the
// merged list is deterministic no matter which source answers first.
type searchState struct {
	prepared  preparedSearch
	startedAt time.Time
	sets      []domain.SearchResultSet
	statuses  []domain.SourceStatus
	progress  []domain.SearchProgress
	completed []bool
	warnings  []domain.SourceWarning
	partial   bool
}

func (s *Service) executeUnifiedSearch(ctx context.Context, prepared preparedSearch, sink func(domain.SearchResponse)) domain.SearchResponse {
	runCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	state := &searchState{
		prepared:  prepared,
		startedAt: time.Now(),
		sets:      make([]domain.SearchResultSet, len(prepared.sources)),
		statuses:  make([]domain.SourceStatus, len(prepared.sources)),
		progress:  make([]domain.SearchProgress, len(prepared.sources)),
		completed: make([]bool, len(prepared.sources)),
	}
	for i, id := range prepared.sources {
		state.statuses[i] = domain.SourceStatus{Source: id}
	}

	slog.Info("unified search started",
		slog.String("query", prepared.query),
		slog.Any("sources", prepared.sources),
	)

	var mu sync.Mutex
	publish := func(build func() domain.SearchResponse) {
		mu.Lock()
		snapshot := build()
		mu.Unlock()
		if sink != nil {
			sink(snapshot)
		}
	}

	sem := semaphore.NewWeighted(s.maxSources)
	var wg sync.WaitGroup

	for i, id := range prepared.sources {
		source := s.sources[id]
		wg.Add(1)
		go func(index int, id domain.SourceID, source Source) {
			defer wg.Done()

			if err := sem.Acquire(runCtx, 1); err != nil {
				mu.Lock()
				state.settle(index, domain.SearchResultSet{}, domain.ClassifyError(id, err), nil)
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			now := time.Now()
			if blocked, until, kind, lastErr := s.isSourceBlocked(id, now); blocked {
				slog.Warn("unified search: source blocked",
					slog.String("source", string(id)),
					slog.String("until", until.UTC().Format(time.RFC3339)),
					slog.String("lastError", lastErr),
				)
				failure := &domain.SourceError{
					Source: id,
					Kind:   kind,
					Err:    fmt.Errorf("source temporarily unhealthy until %s: %s", until.UTC().Format(time.RFC3339), lastErr),
				}
				publish(func() domain.SearchResponse {
					state.settle(index, domain.SearchResultSet{}, failure, nil)
					return state.snapshot(false)
				})
				return
			}

			opts := s.batchOptions(id)
			fetchStartedAt := time.Now()
			set, batchFailures, err := s.fetchAllPages(runCtx, source, prepared.query, opts, func(progress domain.SearchProgress) {
				publish(func() domain.SearchResponse {
					state.progress[index] = progress
					return state.snapshot(false)
				})
			})
			elapsed := time.Since(fetchStartedAt)
			s.recordSourceResult(id, prepared.query, err, elapsed, time.Now())

			if err != nil {
				slog.Warn("unified search: source failed",
					slog.String("source", string(id)),
					slog.String("query", prepared.query),
					slog.String("kind", string(domain.KindOf(err))),
					slog.Int64("elapsedMs", elapsed.Milliseconds()),
					slog.String("error", err.Error()),
				)
			} else {
				slog.Info("unified search: source completed",
					slog.String("source", string(id)),
					slog.String("query", prepared.query),
					slog.Int("items", len(set.Items)),
					slog.Int("total", set.Total),
					slog.Int("failedBatches", len(batchFailures)),
					slog.Int64("elapsedMs", elapsed.Milliseconds()),
				)
			}

			publish(func() domain.SearchResponse {
				state.settle(index, set, domain.ClassifyError(id, err), batchFailures)
				return state.snapshot(false)
			})
		}(i, id, source)
	}

	wg.Wait()

	mu.Lock()
	final := state.snapshot(true)
	mu.Unlock()

	metrics.SearchesTotal.WithLabelValues(searchOutcome(final)).Inc()
	slog.Info("unified search completed",
		slog.String("query", prepared.query),
		slog.Int("items", len(final.Items)),
		slog.Int("total", final.Total),
		slog.Int("warnings", len(final.Warnings)),
		slog.Int64("elapsedMs", final.ElapsedMS),
	)

	if sink != nil {
		sink(final)
	}
	return final
}

// settle records one source's outcome. A failed source contributes zero items
// plus one warning; cancellation is recorded on the status but never warned
// about. Callers hold the state mutex.
func (st *searchState) settle(index int, set domain.SearchResultSet, failure *domain.SourceError, batchFailures []*domain.SourceError) {
	if st.completed[index] {
		return
	}
	st.completed[index] = true
	id := st.prepared.sources[index]

	if failure != nil && failure.Err != nil {
		st.statuses[index] = domain.SourceStatus{
			Source:    id,
			OK:        false,
			Error:     failure.Err.Error(),
			ErrorKind: failure.Kind,
		}
		if failure.Kind != domain.FailureCancelled {
			st.warnings = append(st.warnings, domain.SourceWarning{
				Source:  id,
				Kind:    failure.Kind,
				Message: failure.Err.Error(),
			})
		}
		return
	}

	st.sets[index] = set
	st.statuses[index] = domain.SourceStatus{
		Source: id,
		OK:     true,
		Total:  set.Total,
		Count:  len(set.Items),
	}
	if len(batchFailures) > 0 {
		st.warnings = append(st.warnings, domain.SourceWarning{
			Source:  id,
			Kind:    batchFailures[0].Kind,
			Message: fmt.Sprintf("%d batches failed; results from %s are partial", len(batchFailures), id),
		})
	}
}

// snapshot merges completed sources in priority order, deduplicating by
// (source, id). Total is the sum of each completed source's reported total,
// which intentionally exceeds what the capped fetch can ever return.
func (st *searchState) snapshot(final bool) domain.SearchResponse {
	seen := make(map[string]struct{})
	items := make([]domain.ResultItem, 0)
	total := 0
	for i := range st.prepared.sources {
		if !st.completed[i] {
			continue
		}
		total += st.sets[i].Total
		for _, item := range st.sets[i].Items {
			key := item.Key()
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, item)
		}
	}

	statuses := make([]domain.SourceStatus, len(st.statuses))
	copy(statuses, st.statuses)
	warnings := append([]domain.SourceWarning(nil), st.warnings...)

	progress := make([]domain.SearchProgress, 0, len(st.progress))
	for _, p := range st.progress {
		if p.Source != "" {
			progress = append(progress, p)
		}
	}

	phase := domain.PhaseProgress
	switch {
	case final:
		phase = domain.PhaseComplete
	case len(items) > 0 && !st.partial:
		// First non-empty merge wins the fast-path race; priority order is
		// only the merge order, not a gate on who surfaces first.
		st.partial = true
		phase = domain.PhasePartial
	case st.partial:
		phase = domain.PhasePartial
	}

	return domain.SearchResponse{
		Query:     st.prepared.query,
		Items:     items,
		Total:     total,
		Sources:   statuses,
		Warnings:  warnings,
		Progress:  progress,
		Phase:     phase,
		ElapsedMS: time.Since(st.startedAt).Milliseconds(),
		Final:     final,
	}
}

// totalFailure returns ErrAllSourcesFailed when every source settled with an
// error. Zero results from healthy sources is success, not failure.
func totalFailure(response domain.SearchResponse) error {
	if len(response.Sources) == 0 {
		return nil
	}
	for _, status := range response.Sources {
		if status.OK {
			return nil
		}
	}
	return fmt.Errorf("%w: %d sources unavailable", ErrAllSourcesFailed, len(response.Sources))
}

func searchOutcome(response domain.SearchResponse) string {
	failed := 0
	cancelled := 0
	for _, status := range response.Sources {
		if status.OK {
			continue
		}
		failed++
		if status.ErrorKind == domain.FailureCancelled {
			cancelled++
		}
	}
	switch {
	case len(response.Sources) > 0 && failed == len(response.Sources):
		if cancelled == failed {
			return "cancelled"
		}
		return "failed"
	case failed > 0 || len(response.Warnings) > 0:
		return "partial"
	case len(response.Items) == 0:
		return "empty"
	default:
		return "ok"
	}
}
