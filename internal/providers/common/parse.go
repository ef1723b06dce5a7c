package common

import (
	"html"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// CleanHTMLText strips markup and collapses whitespace. Museum metadata
// fields routinely embed HTML fragments and entity escapes.
func CleanHTMLText(raw string) string {
	value := strings.TrimSpace(raw)
	value = html.UnescapeString(value)
	value = tagPattern.ReplaceAllString(value, " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

// First returns the first non-empty trimmed value.
func First(values []string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// JoinValues joins up to max non-empty trimmed values with "; ", dropping
// duplicates while preserving order.
func JoinValues(values []string, max int) string {
	if max <= 0 {
		max = len(values)
	}
	seen := make(map[string]struct{}, len(values))
	joined := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		joined = append(joined, trimmed)
		if len(joined) >= max {
			break
		}
	}
	return strings.Join(joined, "; ")
}

// Truncate caps a display string at max runes, appending an ellipsis when
// anything was cut.
func Truncate(value string, max int) string {
	if max <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
