package qa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMasksWholeWords(t *testing.T) {
	filter := newFilter([]string{"damn", "idiot"})

	got := filter.Sanitize("That is damn hard, you idiot.")
	assert.Equal(t, "That is **** hard, you *****.", got)
}

func TestSanitizeIsCaseInsensitive(t *testing.T) {
	filter := newFilter([]string{"damn"})

	assert.Equal(t, "****!", filter.Sanitize("DAMN!"))
	assert.Equal(t, "****.", filter.Sanitize("Damn."))
}

func TestSanitizeLeavesSubstringsAlone(t *testing.T) {
	filter := newFilter([]string{"hell"})

	// "hello" and "shell" contain the word but are not it.
	assert.Equal(t, "hello from the shell", filter.Sanitize("hello from the shell"))
	assert.Equal(t, "**** is a word", filter.Sanitize("hell is a word"))
}

func TestSanitizeIsIdempotent(t *testing.T) {
	filter := newFilter([]string{"damn"})

	once := filter.Sanitize("well damn ok")
	twice := filter.Sanitize(once)
	assert.Equal(t, once, twice)
}

func TestSanitizeFallsBackWhenNothingSurvives(t *testing.T) {
	filter := newFilter([]string{"damn", "hell"})

	got := filter.Sanitize("damn hell damn")
	assert.Equal(t, redactedFallback, got)
}

func TestSanitizeEmptyDenylistPassthrough(t *testing.T) {
	filter := newFilter(nil)

	assert.Equal(t, "anything goes", filter.Sanitize("anything goes"))
}
