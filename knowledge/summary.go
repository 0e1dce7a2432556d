package knowledge

import (
	"fmt"
	"strings"
)

// describeContent builds a short human summary of uploaded knowledge text for
// the upload confirmation response.
func describeContent(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty document"
	}

	var (
		headers   int
		questions int
		bullets   int
		firstLine string
	)
	for _, raw := range strings.Split(trimmed, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if firstLine == "" {
			firstLine = line
		}
		switch {
		case strings.HasPrefix(line, "#"):
			headers++
		case strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "•"):
			bullets++
		}
		if strings.HasSuffix(line, "?") {
			questions++
		}
	}

	var parts []string
	if headers > 0 {
		parts = append(parts, fmt.Sprintf("%d sections", headers))
	}
	if questions > 0 {
		parts = append(parts, fmt.Sprintf("%d questions", questions))
	}
	if bullets > 0 {
		parts = append(parts, fmt.Sprintf("%d bullet points", bullets))
	}
	parts = append(parts, sizeBucket(len(trimmed)))

	preview := firstLine
	if runes := []rune(preview); len(runes) > 80 {
		preview = string(runes[:77]) + "..."
	}
	return fmt.Sprintf("%s; starts with %q", strings.Join(parts, ", "), preview)
}

func sizeBucket(size int) string {
	switch {
	case size < 1024:
		return "small document"
	case size < 64*1024:
		return "medium document"
	case size < 1024*1024:
		return "large document"
	default:
		return "very large document"
	}
}
