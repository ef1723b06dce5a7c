package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
)

// batchOutcome separates what one page fetch collected from what it failed
// with; the fold over all outcomes never loses a failure and never aborts on
// one.
type batchOutcome struct {
	index   int
	items   []domain.ResultItem
	failure *domain.SourceError
}

// fetchAllPages retrieves as many pages as the batch limits allow for one
// source and query. The probe request learns the upstream total; probe
// failure fails the whole fetch. After that, batch groups run strictly in
// offset order with opts.MaxConcurrent pages in flight per group, each
// settled batch emits one progress event, and a failed batch contributes
// zero items without sinking the rest. Cancellation stops scheduling
// further groups.
//
// The returned set reports the probed total, never less than the number of
// items actually collected.
func (s *Service) fetchAllPages(
	ctx context.Context,
	source Source,
	query string,
	opts BatchOptions,
	emit func(domain.SearchProgress),
) (domain.SearchResultSet, []*domain.SourceError, error) {
	id := source.Name()
	if emit == nil {
		emit = func(domain.SearchProgress) {}
	}

	probe, err := s.fetchSourcePage(ctx, source, query, 0, 1)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(string(id), "probe_failed").Inc()
		return domain.SearchResultSet{}, nil, err
	}
	total := probe.Total

	totalBatches := ceilDiv(total, opts.PageSize)
	if totalBatches > opts.MaxBatches {
		totalBatches = opts.MaxBatches
	}

	emit(domain.SearchProgress{
		Source:       id,
		Message:      fmt.Sprintf("%s reports %d matching records", id, total),
		TotalResults: total,
		TotalBatches: totalBatches,
	})

	if totalBatches == 0 {
		return domain.SearchResultSet{Total: total, Items: []domain.ResultItem{}}, nil, nil
	}

	var (
		mu        sync.Mutex
		outcomes  = make([][]domain.ResultItem, totalBatches)
		failures  []*domain.SourceError
		processed int
		found     int
	)

	settleBatch := func(outcome batchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		processed++
		if outcome.failure != nil {
			failures = append(failures, outcome.failure)
			metrics.BatchesTotal.WithLabelValues(string(id), string(outcome.failure.Kind)).Inc()
		} else {
			outcomes[outcome.index] = outcome.items
			found += len(outcome.items)
			metrics.BatchesTotal.WithLabelValues(string(id), "ok").Inc()
		}
		emit(domain.SearchProgress{
			Source:           id,
			Message:          fmt.Sprintf("fetched %d of %d batches from %s", processed, totalBatches, id),
			ItemsFound:       found,
			TotalResults:     total,
			BatchesProcessed: processed,
			TotalBatches:     totalBatches,
		})
	}

	for groupStart := 0; groupStart < totalBatches; groupStart += opts.MaxConcurrent {
		if err := ctx.Err(); err != nil {
			return domain.SearchResultSet{}, failures, domain.ClassifyError(id, err)
		}

		groupEnd := groupStart + opts.MaxConcurrent
		if groupEnd > totalBatches {
			groupEnd = totalBatches
		}

		var wg sync.WaitGroup
		for batch := groupStart; batch < groupEnd; batch++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()

				offset := index * opts.PageSize
				startedAt := time.Now()
				page, err := s.fetchSourcePage(ctx, source, query, offset, opts.PageSize)
				if err != nil {
					slog.Warn("batch fetch failed",
						slog.String("source", string(id)),
						slog.Int("batch", index),
						slog.Int("offset", offset),
						slog.String("error", err.Error()),
					)
					settleBatch(batchOutcome{index: index, failure: domain.ClassifyError(id, err)})
					return
				}
				slog.Debug("batch fetched",
					slog.String("source", string(id)),
					slog.Int("batch", index),
					slog.Int("items", len(page.Items)),
					slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
				)
				settleBatch(batchOutcome{index: index, items: page.Items})
			}(batch)
		}
		wg.Wait()
	}

	// Concatenate in batch index order so items keep their offset order
	// regardless of arrival order within a group.
	items := make([]domain.ResultItem, 0, found)
	for _, batchItems := range outcomes {
		items = append(items, batchItems...)
	}

	if total < len(items) {
		total = len(items)
	}
	return domain.SearchResultSet{Total: total, Items: items}, failures, nil
}

// fetchSourcePage performs one rate-limited page fetch with retry on
// transient failures. Every returned error carries a failure kind.
func (s *Service) fetchSourcePage(ctx context.Context, source Source, query string, offset, pageSize int) (domain.Page, error) {
	id := source.Name()
	if err := s.limiters.wait(ctx, id); err != nil {
		return domain.Page{}, domain.ClassifyError(id, err)
	}

	var page domain.Page
	err := RetryWithBackoff(ctx, s.retry, func() error {
		var fetchErr error
		page, fetchErr = source.FetchPage(ctx, query, offset, pageSize)
		return fetchErr
	})
	if err != nil {
		return domain.Page{}, domain.ClassifyError(id, err)
	}
	return page, nil
}

func ceilDiv(value, divisor int) int {
	if divisor <= 0 {
		return 0
	}
	return (value + divisor - 1) / divisor
}
