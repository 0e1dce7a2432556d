package qa

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

const defaultContextWindow = 3

// ContextEntry is one remembered question inside a channel.
type ContextEntry struct {
	UserID   string `json:"user_id"`
	Question string `json:"question"`
}

// Tracker keeps the most recent questions per channel so follow-ups can be
// answered in context. The window is bounded and oldest entries fall off
// first.
type Tracker struct {
	mu     sync.Mutex
	window int
	recent map[string][]ContextEntry
}

// NewTrackerFromEnv builds a tracker sized by CONTEXT_WINDOW_SIZE.
func NewTrackerFromEnv() *Tracker {
	window := defaultContextWindow
	if raw := strings.TrimSpace(os.Getenv("CONTEXT_WINDOW_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			window = parsed
		}
	}
	return newTracker(window)
}

func newTracker(window int) *Tracker {
	if window <= 0 {
		window = defaultContextWindow
	}
	return &Tracker{window: window, recent: make(map[string][]ContextEntry)}
}

// Record appends a question to the channel's window, evicting the oldest
// entry once the window is full.
func (t *Tracker) Record(channelID, userID, question string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := append(t.recent[channelID], ContextEntry{UserID: userID, Question: question})
	if len(entries) > t.window {
		entries = entries[len(entries)-t.window:]
	}
	t.recent[channelID] = entries
}

// Recent returns the channel's remembered questions, oldest first.
func (t *Tracker) Recent(channelID string) []ContextEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.recent[channelID]
	out := make([]ContextEntry, len(entries))
	copy(out, entries)
	return out
}

// Clear forgets everything recorded for a channel.
func (t *Tracker) Clear(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recent, channelID)
}

// Window reports the configured window size.
func (t *Tracker) Window() int {
	return t.window
}
