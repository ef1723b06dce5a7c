package domain

import "time"

type SourceID string

const (
	SourceSmithsonian SourceID = "smithsonian"
	SourceEuropeana   SourceID = "europeana"
)

func ParseSourceID(raw string) (SourceID, bool) {
	switch SourceID(raw) {
	case SourceSmithsonian:
		return SourceSmithsonian, true
	case SourceEuropeana:
		return SourceEuropeana, true
	default:
		return "", false
	}
}

// DefaultSourceOrder is the merge priority: the fastest source first.
func DefaultSourceOrder() []SourceID {
	return []SourceID{SourceSmithsonian, SourceEuropeana}
}

type MediaLinks struct {
	Thumbnail string `json:"thumbnail"`
	Primary   string `json:"primary,omitempty"`
	Full      string `json:"full,omitempty"`
}

func (m MediaLinks) HasThumbnail() bool {
	return m.Thumbnail != ""
}

type ResultItem struct {
	ID          string            `json:"id"`
	Source      SourceID          `json:"source"`
	Title       string            `json:"title"`
	Institution string            `json:"institution,omitempty"`
	Media       MediaLinks        `json:"media"`
	DateCreated string            `json:"dateCreated,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Key namespaces the item id by source; ids are only unique within one source.
func (it ResultItem) Key() string {
	return string(it.Source) + "|" + it.ID
}

// Page is one adapted, thumbnail-filtered slice of a source's result set.
type Page struct {
	Total int
	Items []ResultItem
}

type SearchResultSet struct {
	Total int          `json:"total"`
	Items []ResultItem `json:"items"`
}

type SourceInfo struct {
	Name     SourceID `json:"name"`
	Label    string   `json:"label"`
	Endpoint string   `json:"endpoint,omitempty"`
	PageSize int      `json:"pageSize"`
	Enabled  bool     `json:"enabled"`
}

type SearchRequest struct {
	Query   string
	Sources []SourceID
	NoCache bool
}

type SourceStatus struct {
	Source    SourceID    `json:"source"`
	OK        bool        `json:"ok"`
	Total     int         `json:"total"`
	Count     int         `json:"count"`
	FromCache bool        `json:"fromCache,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind FailureKind `json:"errorKind,omitempty"`
	ElapsedMS int64       `json:"elapsedMs,omitempty"`
}

type SourceWarning struct {
	Source  SourceID    `json:"source"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

type SearchProgress struct {
	Source           SourceID `json:"source"`
	Message          string   `json:"message"`
	ItemsFound       int      `json:"itemsFound"`
	TotalResults     int      `json:"totalResults"`
	BatchesProcessed int      `json:"batchesProcessed"`
	TotalBatches     int      `json:"totalBatches"`
}

// Search phases: "progress" snapshots carry batch counters while sources are
// still running, "partial" marks the first snapshot with visible results
// while at least one source is still fetching, "complete" is the final state.
const (
	PhaseProgress = "progress"
	PhasePartial  = "partial"
	PhaseComplete = "complete"
)

// SearchResponse is both the blocking answer and every stream snapshot; the
// final snapshot of a stream carries Final=true.
type SearchResponse struct {
	Query     string           `json:"query"`
	Items     []ResultItem     `json:"items"`
	Total     int              `json:"total"`
	Sources   []SourceStatus   `json:"sources"`
	Warnings  []SourceWarning  `json:"warnings,omitempty"`
	Progress  []SearchProgress `json:"progress,omitempty"`
	FromCache bool             `json:"fromCache,omitempty"`
	Phase     string           `json:"phase,omitempty"`
	ElapsedMS int64            `json:"elapsedMs"`
	Final     bool             `json:"final"`
}

type SourceDiagnostics struct {
	Name                SourceID    `json:"name"`
	Label               string      `json:"label"`
	Enabled             bool        `json:"enabled"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	BlockedUntil        *time.Time  `json:"blockedUntil,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	LastErrorKind       FailureKind `json:"lastErrorKind,omitempty"`
	LastSuccessAt       *time.Time  `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time  `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64       `json:"lastLatencyMs,omitempty"`
	LastQuery           string      `json:"lastQuery,omitempty"`
	TotalRequests       int64       `json:"totalRequests,omitempty"`
	TotalFailures       int64       `json:"totalFailures,omitempty"`
}

// CacheEntry is the persisted snapshot of one source's completed fetch.
// Timestamp is epoch milliseconds.
type CacheEntry struct {
	Query     string       `json:"query"`
	Source    SourceID     `json:"source"`
	Total     int          `json:"total"`
	Items     []ResultItem `json:"items"`
	Timestamp int64        `json:"timestamp"`
}

func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.Timestamp > ttl.Milliseconds()
}
