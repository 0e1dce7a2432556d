package qa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerKeepsBoundedWindow(t *testing.T) {
	tracker := newTracker(3)

	tracker.Record("chan-1", "u1", "q1")
	tracker.Record("chan-1", "u2", "q2")
	tracker.Record("chan-1", "u1", "q3")
	tracker.Record("chan-1", "u3", "q4")

	recent := tracker.Recent("chan-1")
	assert.Equal(t, []ContextEntry{
		{UserID: "u2", Question: "q2"},
		{UserID: "u1", Question: "q3"},
		{UserID: "u3", Question: "q4"},
	}, recent)
}

func TestTrackerIsPerChannel(t *testing.T) {
	tracker := newTracker(3)

	tracker.Record("chan-1", "u1", "about photosynthesis")
	tracker.Record("chan-2", "u1", "about osmosis")

	assert.Len(t, tracker.Recent("chan-1"), 1)
	assert.Len(t, tracker.Recent("chan-2"), 1)
	assert.Equal(t, "about photosynthesis", tracker.Recent("chan-1")[0].Question)
}

func TestTrackerRecentReturnsCopy(t *testing.T) {
	tracker := newTracker(3)
	tracker.Record("chan-1", "u1", "original")

	recent := tracker.Recent("chan-1")
	recent[0].Question = "mutated"

	assert.Equal(t, "original", tracker.Recent("chan-1")[0].Question)
}

func TestTrackerClear(t *testing.T) {
	tracker := newTracker(3)
	tracker.Record("chan-1", "u1", "q1")

	tracker.Clear("chan-1")

	assert.Empty(t, tracker.Recent("chan-1"))
}
