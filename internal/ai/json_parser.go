// Package ai talks to the model-backed role collaborator: it builds role
// prompts, calls the Anthropic API with pacing, retries and a circuit
// breaker, and recovers JSON from loosely formatted model output.
package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	// Fences may omit the newline after the language tag
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json|javascript|js)?\\s*\\n?(.*?)\\n?```")

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// Parse errors
var (
	ErrEmptyInput    = errors.New("empty input")
	ErrInputTooLarge = errors.New("input exceeds size limit")
	ErrNoJSON        = errors.New("no parseable JSON found")
)

// DefaultMaxInputSize bounds the text Parse will look at
const DefaultMaxInputSize = 1 << 20

// ParseOptions configures Parse. The zero value enables every recovery
// strategy, logs failures at debug level and applies DefaultMaxInputSize.
type ParseOptions struct {
	Context      string // Prefix for error messages and log lines
	Strict       bool   // Only accept input that is valid JSON as-is
	Quiet        bool   // Do not log recovery attempts
	MaxInputSize int    // 0 means DefaultMaxInputSize, negative means unlimited
}

func (o ParseOptions) wrap(err error) error {
	if o.Context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", o.Context, err)
}

// strategy rewrites model output into a candidate JSON document
type strategy struct {
	name    string
	rewrite func(string) string
}

var strategies = []strategy{
	{"strip_fences", stripCodeFences},
	{"cleanup", func(s string) string { return cleanupJSON(stripCodeFences(s)) }},
	{"extract", func(s string) string { return extractJSON(cleanupJSON(stripCodeFences(s))) }},
	{"extract_raw", extractJSON},
}

// Parse decodes model output into T. Input that is not valid JSON as-is is
// retried after stripping Markdown fences, repairing common mistakes
// (trailing commas, unquoted keys, comments) and extracting the first
// balanced object or array from surrounding prose.
func Parse[T any](text string, opts ...ParseOptions) (T, error) {
	var zero T
	var o ParseOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	limit := o.MaxInputSize
	if limit == 0 {
		limit = DefaultMaxInputSize
	}
	if limit > 0 && len(text) > limit {
		return zero, o.wrap(fmt.Errorf("%w (%d > %d bytes)", ErrInputTooLarge, len(text), limit))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, o.wrap(ErrEmptyInput)
	}

	result, directErr := decode[T](trimmed)
	if directErr == nil {
		return result, nil
	}
	if o.Strict {
		return zero, o.wrap(directErr)
	}

	tried := map[string]bool{trimmed: true}
	for _, st := range strategies {
		candidate := strings.TrimSpace(st.rewrite(trimmed))
		if candidate == "" || tried[candidate] {
			continue
		}
		tried[candidate] = true
		if result, err := decode[T](candidate); err == nil {
			if !o.Quiet {
				slog.Debug("recovered JSON from model output", "strategy", st.name, "context", o.Context)
			}
			return result, nil
		}
	}

	if !o.Quiet {
		slog.Debug("JSON recovery failed",
			"error", directErr.Error(),
			"preview", truncate(text, 100),
			"context", o.Context)
	}
	return zero, o.wrap(fmt.Errorf("%w: %v", ErrNoJSON, directErr))
}

// ParseOrDefault returns fallback when Parse fails
func ParseOrDefault[T any](text string, fallback T, opts ...ParseOptions) T {
	result, err := Parse[T](text, opts...)
	if err != nil {
		return fallback
	}
	return result
}

func decode[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// stripCodeFences returns the body of the first fenced block, or the text
// without wrapping single backticks
func stripCodeFences(text string) string {
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	t := strings.TrimSpace(text)
	if len(t) >= 2 && strings.HasPrefix(t, "`") && strings.HasSuffix(t, "`") {
		return strings.Trim(t, "`")
	}
	return t
}

// cleanupJSON repairs trailing commas, bare identifier keys and comments.
// Single quotes are left alone so apostrophes inside strings survive.
func cleanupJSON(text string) string {
	cleaned := multiLineCommentRegex.ReplaceAllString(text, "")
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	return strings.TrimSpace(cleaned)
}

// extractJSON returns the first balanced {...} or [...] span in text that is
// valid JSON, ignoring brackets inside string literals. Returns "" if none is found.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	for start >= 0 {
		if end := matchingBracket(text, start); end > start && json.Valid([]byte(text[start:end+1])) {
			return text[start : end+1]
		}
		next := strings.IndexAny(text[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

// matchingBracket returns the index closing the bracket at start, or -1
func matchingBracket(text string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
