package qa

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyguide_back/knowledge"
	"studyguide_back/llm"
	"studyguide_back/ratelimit"
	"studyguide_back/stats"
)

type stubSource struct {
	texts map[string]string
}

func (s *stubSource) Get(_ context.Context, channelID string) (string, error) {
	text, ok := s.texts[channelID]
	if !ok {
		return "", knowledge.ErrNotFound
	}
	return text, nil
}

type stubCompleter struct {
	mu       sync.Mutex
	calls    int
	reply    string
	err      error
	failures int

	lastMessages []llm.ChatMessage
}

func (s *stubCompleter) Chat(_ context.Context, messages []llm.ChatMessage) (llm.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastMessages = messages
	if s.err != nil && (s.failures == 0 || s.calls <= s.failures) {
		return llm.ChatResult{}, s.err
	}
	return llm.ChatResult{Content: s.reply}, nil
}

func (s *stubCompleter) ChatStream(ctx context.Context, messages []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	result, err := s.Chat(ctx, messages)
	if err != nil {
		return result, err
	}
	if handler != nil {
		if err := handler(llm.ChatStreamDelta{Content: result.Content, FullContent: result.Content, Done: true}); err != nil {
			return llm.ChatResult{}, err
		}
	}
	return result, nil
}

func (s *stubCompleter) Timeout() time.Duration {
	return time.Second
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []stats.QuestionRecord
}

func (m *memoryRecorder) Record(_ context.Context, rec *stats.QuestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memoryRecorder) all() []stats.QuestionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stats.QuestionRecord, len(m.records))
	copy(out, m.records)
	return out
}

func testPipeline(completer Completer, recorder Recorder, gate *ratelimit.Gate) *Pipeline {
	source := &stubSource{texts: map[string]string{
		"bio-101": "Photosynthesis converts light into chemical energy.",
	}}
	return newPipeline(gate, source, completer, newTracker(3), newFilter([]string{"damn"}), nil, recorder, 1)
}

func TestAnswerSuccessRecordsEverything(t *testing.T) {
	completer := &stubCompleter{reply: "Light becomes sugar."}
	recorder := &memoryRecorder{}
	pipeline := testPipeline(completer, recorder, nil)

	answer, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "How does photosynthesis work?")
	require.NoError(t, err)
	assert.Equal(t, "Light becomes sugar.", answer.Text)
	assert.False(t, answer.Cached)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "bio-101", records[0].ChannelID)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.False(t, records[0].ErrorFlag)

	recent := pipeline.tracker.Recent("bio-101")
	require.Len(t, recent, 1)
	assert.Equal(t, "How does photosynthesis work?", recent[0].Question)

	snapshot, ok := pipeline.Debug("bio-101")
	require.True(t, ok)
	assert.Equal(t, "Light becomes sugar.", snapshot.Answer)
}

func TestAnswerIncludesKnowledgeAndContextInPrompt(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	pipeline := testPipeline(completer, &memoryRecorder{}, nil)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "First question?")
	require.NoError(t, err)
	_, err = pipeline.Answer(context.Background(), "bio-101", "user-2", "Second question?")
	require.NoError(t, err)

	require.Len(t, completer.lastMessages, 2)
	system := completer.lastMessages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "Photosynthesis converts light")
	assert.Contains(t, system.Content, "First question?")
	assert.Equal(t, "Second question?", completer.lastMessages[1].Content)
}

func TestAnswerSanitizesModelOutput(t *testing.T) {
	completer := &stubCompleter{reply: "That is damn simple."}
	pipeline := testPipeline(completer, &memoryRecorder{}, nil)

	answer, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "Is it simple?")
	require.NoError(t, err)
	assert.Equal(t, "That is **** simple.", answer.Text)
}

func TestAnswerRateLimited(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	recorder := &memoryRecorder{}
	gate := ratelimit.NewGate(5*time.Second, time.Minute)
	pipeline := testPipeline(completer, recorder, gate)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "First?")
	require.NoError(t, err)

	_, err = pipeline.Answer(context.Background(), "bio-101", "user-1", "Again?")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, 4*time.Second)
	assert.LessOrEqual(t, limited.RetryAfter, 5*time.Second)

	// Only the allowed question reaches the model and the ledger.
	assert.Equal(t, 1, completer.calls)
	assert.Len(t, recorder.all(), 1)
}

func TestAnswerNoKnowledgeBase(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	recorder := &memoryRecorder{}
	pipeline := testPipeline(completer, recorder, nil)

	_, err := pipeline.Answer(context.Background(), "unprovisioned", "user-1", "Anyone?")
	assert.ErrorIs(t, err, ErrNoKnowledgeBase)
	assert.Empty(t, recorder.all())
	assert.Equal(t, 0, completer.calls)
}

func TestAnswerTimeoutRecordsFailure(t *testing.T) {
	completer := &stubCompleter{err: context.DeadlineExceeded}
	recorder := &memoryRecorder{}
	pipeline := testPipeline(completer, recorder, nil)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "Slow one?")
	assert.ErrorIs(t, err, ErrTimeout)

	// Timeouts are not retried.
	assert.Equal(t, 1, completer.calls)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].ErrorFlag)
	require.NotNil(t, records[0].ErrCode)
	assert.Equal(t, "timeout", *records[0].ErrCode)

	// Failed questions leave no context behind.
	assert.Empty(t, pipeline.tracker.Recent("bio-101"))
}

func TestAnswerRetriesThenFails(t *testing.T) {
	completer := &stubCompleter{err: errors.New("boom")}
	recorder := &memoryRecorder{}
	pipeline := testPipeline(completer, recorder, nil)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "Flaky?")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 2, completer.calls)

	records := recorder.all()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ErrCode)
	assert.Equal(t, "upstream", *records[0].ErrCode)
}

func TestAnswerRetriesThenSucceeds(t *testing.T) {
	completer := &stubCompleter{reply: "recovered", err: errors.New("boom"), failures: 1}
	recorder := &memoryRecorder{}
	pipeline := testPipeline(completer, recorder, nil)

	answer, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "Flaky?")
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer.Text)
	assert.Equal(t, 2, completer.calls)
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	pipeline := testPipeline(&stubCompleter{reply: "ok"}, &memoryRecorder{}, nil)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAnswerStreamForwardsDeltas(t *testing.T) {
	completer := &stubCompleter{reply: "streamed answer"}
	pipeline := testPipeline(completer, &memoryRecorder{}, nil)

	var deltas []string
	answer, err := pipeline.AnswerStream(context.Background(), "bio-101", "user-1", "Stream it?",
		func(delta llm.ChatStreamDelta) error {
			deltas = append(deltas, delta.Content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", answer.Text)
	assert.Equal(t, []string{"streamed answer"}, deltas)
}

func TestForgetChannelClearsContextAndDebug(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	pipeline := testPipeline(completer, &memoryRecorder{}, nil)

	_, err := pipeline.Answer(context.Background(), "bio-101", "user-1", "Remember me?")
	require.NoError(t, err)

	pipeline.ForgetChannel(context.Background(), "bio-101")

	assert.Empty(t, pipeline.tracker.Recent("bio-101"))
	_, ok := pipeline.Debug("bio-101")
	assert.False(t, ok)
}

func TestRetryAttemptsFromEnv(t *testing.T) {
	t.Setenv("LLM_RETRY_ATTEMPTS", "")
	assert.Equal(t, defaultRetryAttempts, retryAttemptsFromEnv())

	t.Setenv("LLM_RETRY_ATTEMPTS", "4")
	assert.Equal(t, 4, retryAttemptsFromEnv())

	t.Setenv("LLM_RETRY_ATTEMPTS", "nope")
	assert.Equal(t, defaultRetryAttempts, retryAttemptsFromEnv())

	t.Setenv("LLM_RETRY_ATTEMPTS", "-1")
	assert.Equal(t, defaultRetryAttempts, retryAttemptsFromEnv())
}

func TestBuildMessagesOrdering(t *testing.T) {
	pipeline := testPipeline(&stubCompleter{reply: "ok"}, &memoryRecorder{}, nil)
	pipeline.tracker.Record("bio-101", "u1", "older question")

	messages := pipeline.buildMessages("bio-101", "some material", "newest question")
	require.Len(t, messages, 2)
	assert.True(t, strings.Index(messages[0].Content, "some material") < strings.Index(messages[0].Content, "older question"))
	assert.Equal(t, "user", messages[1].Role)
}

// stallingCompleter never answers; it only returns once its context expires.
type stallingCompleter struct {
	timeout time.Duration
}

func (s *stallingCompleter) Chat(ctx context.Context, _ []llm.ChatMessage) (llm.ChatResult, error) {
	<-ctx.Done()
	return llm.ChatResult{}, ctx.Err()
}

func (s *stallingCompleter) ChatStream(ctx context.Context, messages []llm.ChatMessage, _ func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	return s.Chat(ctx, messages)
}

func (s *stallingCompleter) Timeout() time.Duration {
	return s.timeout
}

func TestAnswerBoundsAttemptByCompleterTimeout(t *testing.T) {
	recorder := &memoryRecorder{}
	pipeline := testPipeline(&stallingCompleter{timeout: 30 * time.Millisecond}, recorder, nil)

	start := time.Now()
	_, err := pipeline.Answer(context.Background(), "bio-101", "u1", "Why is the sky blue?")

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].ErrorFlag)
}

// chunkedCompleter streams its reply in fixed pieces, splitting words
// wherever the chunk boundaries happen to fall.
type chunkedCompleter struct {
	chunks []string
}

func (c *chunkedCompleter) Chat(_ context.Context, _ []llm.ChatMessage) (llm.ChatResult, error) {
	return llm.ChatResult{Content: strings.Join(c.chunks, "")}, nil
}

func (c *chunkedCompleter) ChatStream(_ context.Context, _ []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	var full strings.Builder
	for _, chunk := range c.chunks {
		full.WriteString(chunk)
		if err := handler(llm.ChatStreamDelta{Content: chunk, FullContent: full.String()}); err != nil {
			return llm.ChatResult{}, err
		}
	}
	if err := handler(llm.ChatStreamDelta{FullContent: full.String(), FinishReason: "stop", Done: true}); err != nil {
		return llm.ChatResult{}, err
	}
	return llm.ChatResult{Content: full.String()}, nil
}

func (c *chunkedCompleter) Timeout() time.Duration {
	return time.Second
}

func TestStreamMasksWordsSplitAcrossDeltas(t *testing.T) {
	completer := &chunkedCompleter{chunks: []string{"That is da", "mn hard", " ok"}}
	pipeline := testPipeline(completer, &memoryRecorder{}, nil)

	var deltas []string
	answer, err := pipeline.AnswerStream(context.Background(), "bio-101", "user-1", "How hard is it?",
		func(delta llm.ChatStreamDelta) error {
			if delta.Content != "" {
				deltas = append(deltas, delta.Content)
			}
			return nil
		})
	require.NoError(t, err)

	for _, delta := range deltas {
		assert.NotContains(t, strings.ToLower(delta), "damn")
	}
	assert.Equal(t, "That is **** hard ok", strings.Join(deltas, ""))
	assert.Equal(t, "That is **** hard ok", answer.Text)
}

func TestLastWordBoundary(t *testing.T) {
	assert.Equal(t, 0, lastWordBoundary("unbroken"))
	assert.Equal(t, 8, lastWordBoundary("That is da"))
	assert.Equal(t, 5, lastWordBoundary("damn "))
	assert.Equal(t, 0, lastWordBoundary(""))
}
