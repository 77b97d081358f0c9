package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxDetailLength bounds the detail text stored with an outcome.
const MaxDetailLength = 500

var (
	whitespace = regexp.MustCompile(`\s+`)
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

var knownStatuses = map[string]struct{}{
	"not_run": {}, "passed": {}, "warning": {}, "failed": {}, "errored": {},
}

// BuildDocumentID hashes run, suite and step so a replayed outcome maps to
// the same document.
func BuildDocumentID(runID, suite, step string) string {
	s := sha1.Sum([]byte(runID + "|" + suite + "|" + step))
	return hex.EncodeToString(s[:])
}

// CleanDetail strips terminal colour codes and HTML entities, squeezes
// whitespace and truncates to maxLen runes.
func CleanDetail(input string, maxLen int) string {
	if input == "" {
		return ""
	}
	out := ansiEscape.ReplaceAllString(input, "")
	out = html.UnescapeString(out)
	out = whitespace.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		out = string([]rune(out)[:maxLen]) + "..."
	}
	return out
}

// NormalizeStatus lower-cases and validates a status string.
func NormalizeStatus(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	if _, ok := knownStatuses[s]; !ok {
		return "", false
	}
	return s, true
}

// ParseTimestamp accepts RFC 3339 (with or without fractional seconds) and
// "2006-01-02 15:04:05". It returns the zero time for anything else.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}

	for _, f := range formats {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts.UTC()
		}
	}

	return time.Time{}
}
