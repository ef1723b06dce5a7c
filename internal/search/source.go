package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"musehub/searchservice/internal/domain"
)

var (
	ErrInvalidQuery     = errors.New("query is required")
	ErrNoSources        = errors.New("no collection sources configured")
	ErrUnknownSource    = errors.New("unknown source")
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// Source is one upstream collection API. FetchPage returns a single adapted,
// thumbnail-filtered page; every error it returns carries a failure kind.
type Source interface {
	Name() domain.SourceID
	Info() domain.SourceInfo
	DefaultPageSize() int
	FetchPage(ctx context.Context, query string, offset, pageSize int) (domain.Page, error)
	FetchItem(ctx context.Context, id string) (*domain.ResultItem, error)
}

// BatchOptions bounds one source's batched fetch.
type BatchOptions struct {
	PageSize      int
	MaxBatches    int
	MaxConcurrent int
}

const (
	defaultMaxBatches           = 50
	defaultMaxConcurrentBatches = 5
	defaultMaxConcurrentSources = 4
	defaultSearchTimeout        = 60 * time.Second
)

type Service struct {
	sources    map[domain.SourceID]Source
	order      []domain.SourceID
	timeout    time.Duration
	batch      map[domain.SourceID]BatchOptions
	retry      RetryConfig
	maxSources int64
	limiters   *sourceLimiters
	healthMu   sync.Mutex
	health     map[domain.SourceID]*sourceHealth
}

type ServiceOption func(*Service)

func WithBatchOptions(source domain.SourceID, opts BatchOptions) ServiceOption {
	return func(s *Service) {
		s.batch[source] = opts
	}
}

func WithSourceOrder(order []domain.SourceID) ServiceOption {
	return func(s *Service) {
		if len(order) > 0 {
			s.order = append([]domain.SourceID(nil), order...)
		}
	}
}

func WithRetryConfig(cfg RetryConfig) ServiceOption {
	return func(s *Service) {
		if cfg.MaxAttempts > 0 {
			s.retry = cfg
		}
	}
}

func WithSourceRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) {
		s.limiters = newSourceLimiters(rps, burst)
	}
}

func WithMaxConcurrentSources(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxSources = int64(n)
		}
	}
}

func NewService(sources []Source, timeout time.Duration, opts ...ServiceOption) *Service {
	registry := make(map[domain.SourceID]Source, len(sources))
	for _, source := range sources {
		if source == nil || source.Name() == "" {
			continue
		}
		registry[source.Name()] = source
	}

	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}

	svc := &Service{
		sources:    registry,
		timeout:    timeout,
		batch:      make(map[domain.SourceID]BatchOptions, len(registry)),
		retry:      DefaultRetryConfig(),
		maxSources: defaultMaxConcurrentSources,
		limiters:   newSourceLimiters(0, 0),
		health:     make(map[domain.SourceID]*sourceHealth),
	}
	svc.order = defaultOrderFor(registry)
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// defaultOrderFor keeps the well-known priority for known sources and appends
// anything else alphabetically so the order stays deterministic.
func defaultOrderFor(registry map[domain.SourceID]Source) []domain.SourceID {
	order := make([]domain.SourceID, 0, len(registry))
	seen := make(map[domain.SourceID]struct{}, len(registry))
	for _, id := range domain.DefaultSourceOrder() {
		if _, ok := registry[id]; ok {
			order = append(order, id)
			seen[id] = struct{}{}
		}
	}
	rest := make([]domain.SourceID, 0, len(registry))
	for id := range registry {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(order, rest...)
}

// resolveSources maps a request's source list to registered sources in merge
// priority order; an empty request uses the configured default order.
func (s *Service) resolveSources(requested []domain.SourceID) ([]domain.SourceID, error) {
	if len(s.sources) == 0 {
		return nil, ErrNoSources
	}
	if len(requested) == 0 {
		return append([]domain.SourceID(nil), s.order...), nil
	}
	resolved := make([]domain.SourceID, 0, len(requested))
	seen := make(map[domain.SourceID]struct{}, len(requested))
	for _, id := range requested {
		if _, ok := s.sources[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		resolved = append(resolved, id)
	}
	return resolved, nil
}

func (s *Service) batchOptions(id domain.SourceID) BatchOptions {
	opts := s.batch[id]
	if opts.PageSize <= 0 {
		if src, ok := s.sources[id]; ok {
			opts.PageSize = src.DefaultPageSize()
		}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrentBatches
	}
	return opts
}

func (s *Service) Sources() []domain.SourceInfo {
	if len(s.sources) == 0 {
		return nil
	}
	items := make([]domain.SourceInfo, 0, len(s.sources))
	for _, id := range s.order {
		source, ok := s.sources[id]
		if !ok {
			continue
		}
		info := source.Info()
		if info.Name == "" {
			info.Name = id
		}
		if info.Label == "" {
			info.Label = string(info.Name)
		}
		items = append(items, info)
	}
	return items
}

// FetchItem retrieves one record's details straight from its source.
func (s *Service) FetchItem(ctx context.Context, id domain.SourceID, itemID string) (*domain.ResultItem, error) {
	source, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if strings.TrimSpace(itemID) == "" {
		return nil, domain.NewSourceError(id, domain.FailureValidation, errors.New("item id is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiters.wait(ctx, id); err != nil {
		return nil, domain.ClassifyError(id, err)
	}
	item, err := source.FetchItem(ctx, itemID)
	if err != nil {
		return nil, domain.ClassifyError(id, err)
	}
	return item, nil
}
