package qa

import (
	"os"
	"strings"
	"unicode"
)

const redactedFallback = "I can't share that answer as written. Please rephrase your question."

var defaultDenylist = []string{
	"damn",
	"hell",
	"crap",
	"stupid",
	"idiot",
	"dumb",
}

// Filter masks denylisted words in model output before it reaches the
// channel. Matching is case-insensitive and whole-word.
type Filter struct {
	denylist []string
}

// NewFilterFromEnv builds a filter from RESPONSE_DENYLIST (comma separated),
// falling back to a small built-in list.
func NewFilterFromEnv() *Filter {
	raw := strings.TrimSpace(os.Getenv("RESPONSE_DENYLIST"))
	if raw == "" {
		return newFilter(defaultDenylist)
	}

	var words []string
	for _, word := range strings.Split(raw, ",") {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			words = append(words, word)
		}
	}
	if len(words) == 0 {
		return newFilter(defaultDenylist)
	}
	return newFilter(words)
}

func newFilter(denylist []string) *Filter {
	normalized := make([]string, 0, len(denylist))
	for _, word := range denylist {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			normalized = append(normalized, word)
		}
	}
	return &Filter{denylist: normalized}
}

// Sanitize returns the text with denylisted words replaced by asterisks.
// If masking leaves no substance, a generic fallback message is returned
// instead. Sanitizing already-sanitized text is a no-op.
func (f *Filter) Sanitize(text string) string {
	if len(f.denylist) == 0 {
		return text
	}

	masked := maskWords(text, f.denylist)
	if strings.TrimSpace(stripMaskRunes(masked)) == "" && strings.TrimSpace(text) != "" {
		return redactedFallback
	}
	return masked
}

// Mask replaces denylisted words with asterisks without the empty-result
// fallback. Meant for streamed chunks, where the full answer is unknown.
func (f *Filter) Mask(text string) string {
	if len(f.denylist) == 0 {
		return text
	}
	return maskWords(text, f.denylist)
}

func maskWords(text string, denylist []string) string {
	var builder strings.Builder
	builder.Grow(len(text))

	runes := []rune(text)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		word := string(runes[start:end])
		if isDenied(word, denylist) {
			builder.WriteString(strings.Repeat("*", end-start))
		} else {
			builder.WriteString(word)
		}
		start = -1
	}

	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		builder.WriteRune(r)
	}
	flush(len(runes))

	return builder.String()
}

func isDenied(word string, denylist []string) bool {
	lower := strings.ToLower(word)
	for _, denied := range denylist {
		if lower == denied {
			return true
		}
	}
	return false
}

func stripMaskRunes(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '*' || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, text)
}
