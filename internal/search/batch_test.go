package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"musehub/searchservice/internal/domain"
)

// recordingSource tracks every page request so tests can assert the batch
// plan that actually ran. The probe is the request with pageSize 1.
type recordingSource struct {
	fakeSource
	probeErr  error
	stall     time.Duration
	onRequest func(offset, pageSize int)

	mu         sync.Mutex
	requests   [][2]int
	failAt     map[int]error
	failOnceAt map[int]error

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *recordingSource) FetchPage(ctx context.Context, query string, offset, pageSize int) (domain.Page, error) {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if current <= peak || s.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	if s.stall > 0 {
		select {
		case <-time.After(s.stall):
		case <-ctx.Done():
			return domain.Page{}, ctx.Err()
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, [2]int{offset, pageSize})
	var failure error
	switch {
	case pageSize == 1:
		failure = s.probeErr
	default:
		if err, ok := s.failAt[offset]; ok {
			failure = err
		} else if err, ok := s.failOnceAt[offset]; ok {
			failure = err
			delete(s.failOnceAt, offset)
		}
	}
	s.mu.Unlock()

	if s.onRequest != nil {
		s.onRequest(offset, pageSize)
	}
	if failure != nil {
		return domain.Page{}, failure
	}
	return s.fakeSource.FetchPage(ctx, query, offset, pageSize)
}

func (s *recordingSource) recorded() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.requests...)
}

// ---------------------------------------------------------------------------
// fetchAllPages — batch planning
// ---------------------------------------------------------------------------

func TestFetchAllPagesBatchPlan(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 35)},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	set, failures, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no batch failures, got %#v", failures)
	}
	if set.Total != 35 {
		t.Fatalf("expected total 35, got %d", set.Total)
	}
	if len(set.Items) != 35 {
		t.Fatalf("expected 35 items, got %d", len(set.Items))
	}
	// Items keep offset order no matter which batch finished first.
	for i, item := range set.Items {
		if want := fmt.Sprintf("a-%d", i); item.ID != want {
			t.Fatalf("item %d out of order: got %q, want %q", i, item.ID, want)
		}
	}

	requests := source.recorded()
	if len(requests) != 5 {
		t.Fatalf("expected probe + 4 batches, got %d requests: %v", len(requests), requests)
	}
	if requests[0] != [2]int{0, 1} {
		t.Fatalf("expected probe request first, got %v", requests[0])
	}
	offsets := make(map[int]bool, 4)
	for _, request := range requests[1:] {
		if request[1] != 10 {
			t.Fatalf("expected batch page size 10, got %v", request)
		}
		offsets[request[0]] = true
	}
	for _, want := range []int{0, 10, 20, 30} {
		if !offsets[want] {
			t.Fatalf("missing batch at offset %d; requests: %v", want, requests)
		}
	}
}

func TestFetchAllPagesLargeCatalogReachable(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 3500)},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 1000, MaxBatches: 50, MaxConcurrent: 5}

	set, failures, err := service.fetchAllPages(context.Background(), source, "mask", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no batch failures, got %#v", failures)
	}
	if set.Total != 3500 {
		t.Fatalf("expected total 3500, got %d", set.Total)
	}
	if len(set.Items) != 3500 {
		t.Fatalf("expected every record fetched, got %d", len(set.Items))
	}

	requests := source.recorded()
	if len(requests) != 5 {
		t.Fatalf("expected probe + 4 batches, got %d requests: %v", len(requests), requests)
	}
	offsets := make(map[int]bool, 4)
	for _, request := range requests[1:] {
		offsets[request[0]] = true
	}
	for _, want := range []int{0, 1000, 2000, 3000} {
		if !offsets[want] {
			t.Fatalf("missing batch at offset %d; requests: %v", want, requests)
		}
	}
}

func TestFetchAllPagesCapsAtMaxBatches(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 100)},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 3, MaxConcurrent: 2}

	set, failures, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %#v", failures)
	}
	if len(set.Items) != 30 {
		t.Fatalf("expected 30 items from 3 capped batches, got %d", len(set.Items))
	}
	if set.Total != 100 {
		t.Fatalf("capping must not shrink the reported total, got %d", set.Total)
	}
	if requests := source.recorded(); len(requests) != 4 {
		t.Fatalf("expected probe + 3 batches, got %v", requests)
	}
}

func TestFetchAllPagesZeroMatches(t *testing.T) {
	source := &recordingSource{fakeSource: fakeSource{name: "alpha"}}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 3, MaxConcurrent: 2}

	set, failures, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %#v", failures)
	}
	if set.Total != 0 || len(set.Items) != 0 {
		t.Fatalf("expected empty set, got total=%d items=%d", set.Total, len(set.Items))
	}
	if set.Items == nil {
		t.Fatal("expected empty items slice, not nil")
	}
	if requests := source.recorded(); len(requests) != 1 {
		t.Fatalf("zero matches must stop after the probe, got %v", requests)
	}
}

func TestFetchAllPagesProbeFailureFailsSource(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 10)},
		probeErr:   domain.NewSourceError("alpha", domain.FailureAPI, errors.New("bad payload")),
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 3, MaxConcurrent: 2}

	_, _, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if !domain.IsKind(err, domain.FailureAPI) {
		t.Fatalf("expected api failure from probe, got %v", err)
	}
	if requests := source.recorded(); len(requests) != 1 {
		t.Fatalf("probe failure must not schedule batches, got %v", requests)
	}
}

// ---------------------------------------------------------------------------
// fetchAllPages — partial failures
// ---------------------------------------------------------------------------

func TestFetchAllPagesFailedBatchContributesZero(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 30)},
		failAt: map[int]error{
			10: domain.NewSourceError("alpha", domain.FailureAPI, errors.New("decode page: unexpected EOF")),
		},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	set, failures, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("a failed batch must not fail the source, got %v", err)
	}
	if len(failures) != 1 || failures[0].Kind != domain.FailureAPI {
		t.Fatalf("expected one api batch failure, got %#v", failures)
	}
	if len(set.Items) != 20 {
		t.Fatalf("expected 20 items with the middle batch missing, got %d", len(set.Items))
	}
	// Remaining items keep offset order across the gap.
	if set.Items[9].ID != "a-9" || set.Items[10].ID != "a-20" {
		t.Fatalf("unexpected order around the failed batch: %q then %q", set.Items[9].ID, set.Items[10].ID)
	}
	if set.Total != 30 {
		t.Fatalf("expected probed total 30, got %d", set.Total)
	}
}

func TestFetchAllPagesRetriesTransientBatchFailure(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 20)},
		failOnceAt: map[int]error{
			10: domain.NewSourceError("alpha", domain.FailureNetwork, errors.New("connection reset")),
		},
	}
	service := NewService([]Source{source}, 5*time.Second,
		WithRetryConfig(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}),
		WithSourceRateLimit(1_000_000, 1_000_000),
	)
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	set, failures, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("retried batch must not surface a failure, got %#v", failures)
	}
	if len(set.Items) != 20 {
		t.Fatalf("expected all 20 items after retry, got %d", len(set.Items))
	}

	attempts := 0
	for _, request := range source.recorded() {
		if request[0] == 10 && request[1] == 10 {
			attempts++
		}
	}
	if attempts != 2 {
		t.Fatalf("expected the failed batch fetched twice, got %d attempts", attempts)
	}
}

func TestFetchAllPagesTotalNeverBelowCollected(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 5), total: 3},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	set, _, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if len(set.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(set.Items))
	}
	if set.Total != 5 {
		t.Fatalf("total must never undercount collected items, got %d", set.Total)
	}
}

// ---------------------------------------------------------------------------
// fetchAllPages — progress, concurrency, cancellation
// ---------------------------------------------------------------------------

func TestFetchAllPagesProgressMonotonic(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 30)},
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	var events []domain.SearchProgress
	_, _, err := service.fetchAllPages(context.Background(), source, "vases", opts, func(progress domain.SearchProgress) {
		events = append(events, progress)
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("expected plan event + 3 batch events, got %d", len(events))
	}
	if events[0].TotalResults != 30 || events[0].TotalBatches != 3 || events[0].BatchesProcessed != 0 {
		t.Fatalf("unexpected plan event: %#v", events[0])
	}
	for i, event := range events[1:] {
		if event.BatchesProcessed != i+1 {
			t.Fatalf("expected batchesProcessed %d, got %#v", i+1, event)
		}
		if event.TotalBatches != 3 {
			t.Fatalf("totalBatches must stay fixed, got %#v", event)
		}
	}
	if last := events[len(events)-1]; last.ItemsFound != 30 {
		t.Fatalf("expected final itemsFound 30, got %#v", last)
	}
}

func TestFetchAllPagesHonorsConcurrencyCap(t *testing.T) {
	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 60)},
		stall:      15 * time.Millisecond,
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 2}

	_, _, err := service.fetchAllPages(context.Background(), source, "vases", opts, nil)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if peak := source.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 pages in flight, observed %d", peak)
	}
	if requests := source.recorded(); len(requests) != 7 {
		t.Fatalf("expected probe + 6 batches, got %d", len(requests))
	}
}

func TestFetchAllPagesCancellationStopsFurtherGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &recordingSource{
		fakeSource: fakeSource{name: "alpha", items: makeItems("alpha", "a", 40)},
	}
	source.onRequest = func(offset, pageSize int) {
		if offset == 10 && pageSize == 10 {
			cancel()
		}
	}
	service := newTestService([]Source{source})
	opts := BatchOptions{PageSize: 10, MaxBatches: 50, MaxConcurrent: 1}

	_, _, err := service.fetchAllPages(ctx, source, "vases", opts, nil)
	if !domain.IsKind(err, domain.FailureCancelled) {
		t.Fatalf("expected cancelled failure, got %v", err)
	}
	if requests := source.recorded(); len(requests) != 3 {
		t.Fatalf("expected probe + 2 batches before cancellation, got %v", requests)
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct {
		value, divisor, want int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{3500, 1000, 4},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := ceilDiv(tc.value, tc.divisor); got != tc.want {
			t.Fatalf("ceilDiv(%d, %d) = %d, want %d", tc.value, tc.divisor, got, tc.want)
		}
	}
}
