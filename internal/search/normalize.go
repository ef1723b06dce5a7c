package search

import (
	"strings"

	"golang.org/x/text/cases"
)

var queryFolder = cases.Fold()

// NormalizeQuery produces the canonical form of a user query: trimmed,
// Unicode case-folded, internal whitespace runs collapsed to single spaces.
// Queries differing only in case or whitespace normalize to the same string,
// so they share cache entries and upstream calls.
func NormalizeQuery(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return queryFolder.String(strings.Join(fields, " "))
}

// ValidateQuery normalizes and rejects empty queries.
func ValidateQuery(raw string) (string, error) {
	normalized := NormalizeQuery(raw)
	if normalized == "" {
		return "", ErrInvalidQuery
	}
	return normalized, nil
}
