package search

import (
	"time"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
)

const (
	sourceFailureThreshold = 3
	sourceBlockBase        = 2 * time.Minute
	sourceBlockMax         = 15 * time.Minute
)

type sourceHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastKind            domain.FailureKind
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
}

// isSourceBlocked reports whether the circuit breaker currently rejects the
// source, along with the block deadline and the failure kind that tripped it.
func (s *Service) isSourceBlocked(id domain.SourceID, now time.Time) (bool, time.Time, domain.FailureKind, string) {
	if s == nil {
		return false, time.Time{}, "", ""
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[id]
	if state == nil {
		return false, time.Time{}, "", ""
	}
	if state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, "", ""
	}
	kind := state.lastKind
	if kind == "" {
		kind = domain.FailureUnknown
	}
	return true, state.blockedUntil, kind, state.lastError
}

func (s *Service) recordSourceResult(id domain.SourceID, query string, err error, latency time.Duration, now time.Time) {
	if s == nil || id == "" {
		return
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[id]
	if state == nil {
		state = &sourceHealth{}
		s.health[id] = state
	}
	state.totalRequests++
	state.lastQuery = query
	if latency > 0 {
		state.lastLatency = latency
		metrics.SourceRequestDuration.WithLabelValues(string(id)).Observe(latency.Seconds())
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastKind = ""
		state.lastSuccessAt = now
		metrics.SourceRequestsTotal.WithLabelValues(string(id), "ok").Inc()
		metrics.SourceAvailable.WithLabelValues(string(id)).Set(1)
		return
	}

	kind := domain.KindOf(err)
	if kind == domain.FailureCancelled {
		// A caller walking away says nothing about the source's health.
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()
	state.lastKind = kind
	metrics.SourceRequestsTotal.WithLabelValues(string(id), string(kind)).Inc()

	if state.consecutiveFailures >= sourceFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
		metrics.SourceAvailable.WithLabelValues(string(id)).Set(0)
	}
}

// exponentialBlockDuration calculates how long to block a source based on
// consecutive failures: baseDuration × 2^(failures - threshold), capped at 15min.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - sourceFailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := sourceBlockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > sourceBlockMax {
			return sourceBlockMax
		}
	}
	return d
}

func (s *Service) SourceDiagnostics() []domain.SourceDiagnostics {
	infos := s.Sources()
	if len(infos) == 0 {
		return nil
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	items := make([]domain.SourceDiagnostics, 0, len(infos))
	for _, info := range infos {
		state := s.health[info.Name]
		item := domain.SourceDiagnostics{
			Name:    info.Name,
			Label:   info.Label,
			Enabled: info.Enabled,
		}
		if state != nil {
			item.ConsecutiveFailures = state.consecutiveFailures
			if !state.blockedUntil.IsZero() {
				blockedUntil := state.blockedUntil
				item.BlockedUntil = &blockedUntil
			}
			item.LastError = state.lastError
			item.LastErrorKind = state.lastKind
			if !state.lastSuccessAt.IsZero() {
				lastSuccessAt := state.lastSuccessAt
				item.LastSuccessAt = &lastSuccessAt
			}
			if !state.lastFailureAt.IsZero() {
				lastFailureAt := state.lastFailureAt
				item.LastFailureAt = &lastFailureAt
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastQuery = state.lastQuery
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
		}
		items = append(items, item)
	}
	return items
}
