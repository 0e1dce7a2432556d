package qa

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"studyguide_back/knowledge"
	"studyguide_back/llm"
	"studyguide_back/ratelimit"
	"studyguide_back/stats"
)

const (
	defaultRetryAttempts = 2
	retryBaseDelay       = 500 * time.Millisecond

	errCodeTimeout  = "timeout"
	errCodeUpstream = "upstream"
)

var (
	// ErrNoKnowledgeBase is returned when a channel has not been provisioned.
	ErrNoKnowledgeBase = errors.New("qa: channel has no knowledge base")
	// ErrUpstream is returned when the model keeps failing after retries.
	ErrUpstream = errors.New("qa: upstream model request failed")
	// ErrTimeout is returned when the model does not answer in time.
	ErrTimeout = errors.New("qa: upstream model timed out")
	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = errors.New("qa: question must not be empty")
)

// RateLimitedError reports how long a user must wait before asking again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("qa: rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// Completer is the upstream chat model surface the pipeline depends on.
type Completer interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (llm.ChatResult, error)
	ChatStream(ctx context.Context, messages []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error)
	Timeout() time.Duration
}

// KnowledgeSource yields a channel's knowledge text.
type KnowledgeSource interface {
	Get(ctx context.Context, channelID string) (string, error)
}

// Recorder persists per-question ledger rows.
type Recorder interface {
	Record(ctx context.Context, rec *stats.QuestionRecord) error
}

// Answer is the outcome of one question.
type Answer struct {
	Text      string         `json:"answer"`
	Cached    bool           `json:"cached"`
	LatencyMs int64          `json:"latency_ms"`
	Usage     *llm.ChatUsage `json:"usage,omitempty"`
}

// DebugSnapshot captures the last exchange in a channel for admin debugging.
type DebugSnapshot struct {
	UserID   string    `json:"user_id"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Cached   bool      `json:"cached"`
	AskedAt  time.Time `json:"asked_at"`
}

// Pipeline runs a question through rate limiting, knowledge lookup, the
// upstream model, response filtering and bookkeeping.
type Pipeline struct {
	gate      *ratelimit.Gate
	knowledge KnowledgeSource
	completer Completer
	tracker   *Tracker
	filter    *Filter
	cache     *answerCache
	ledger    Recorder
	retries   int

	mu    sync.Mutex
	debug map[string]DebugSnapshot
}

func newPipeline(gate *ratelimit.Gate, source KnowledgeSource, completer Completer, tracker *Tracker, filter *Filter, cache *answerCache, ledger Recorder, retries int) *Pipeline {
	if retries < 0 {
		retries = 0
	}
	return &Pipeline{
		gate:      gate,
		knowledge: source,
		completer: completer,
		tracker:   tracker,
		filter:    filter,
		cache:     cache,
		ledger:    ledger,
		retries:   retries,
		debug:     make(map[string]DebugSnapshot),
	}
}

func retryAttemptsFromEnv() int {
	raw := strings.TrimSpace(os.Getenv("LLM_RETRY_ATTEMPTS"))
	if raw == "" {
		return defaultRetryAttempts
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return defaultRetryAttempts
	}
	return parsed
}

// Answer handles one question end to end.
func (p *Pipeline) Answer(ctx context.Context, channelID, userID, question string) (Answer, error) {
	return p.answer(ctx, channelID, userID, question, nil)
}

// AnswerStream behaves like Answer but forwards model deltas to handler as
// they arrive. The returned Answer carries the filtered final text.
func (p *Pipeline) AnswerStream(ctx context.Context, channelID, userID, question string, handler func(llm.ChatStreamDelta) error) (Answer, error) {
	if handler == nil {
		return p.answer(ctx, channelID, userID, question, nil)
	}
	return p.answer(ctx, channelID, userID, question, handler)
}

func (p *Pipeline) answer(ctx context.Context, channelID, userID, question string, stream func(llm.ChatStreamDelta) error) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	if p.gate != nil {
		if verdict := p.gate.Check(userID, time.Now()); !verdict.Allowed {
			return Answer{}, &RateLimitedError{RetryAfter: verdict.RetryAfter}
		}
	}

	started := time.Now()

	knowledgeText, err := p.knowledge.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return Answer{}, ErrNoKnowledgeBase
		}
		return Answer{}, fmt.Errorf("qa: load knowledge base: %w", err)
	}

	if cached, ok := p.cache.get(ctx, channelID, question); ok {
		answer := Answer{Text: cached, Cached: true, LatencyMs: time.Since(started).Milliseconds()}
		if stream != nil {
			if err := stream(llm.ChatStreamDelta{Content: cached, FullContent: cached, Done: true}); err != nil {
				return Answer{}, err
			}
		}
		p.finishSuccess(ctx, channelID, userID, question, answer)
		return answer, nil
	}

	messages := p.buildMessages(channelID, knowledgeText, question)

	if stream != nil && p.filter != nil {
		stream = p.sanitizeStream(stream)
	}
	result, askErr := p.complete(ctx, messages, stream)
	if askErr != nil {
		p.recordFailure(ctx, channelID, userID, question, started, askErr)
		return Answer{}, askErr
	}

	text := result.Content
	if p.filter != nil {
		text = p.filter.Sanitize(text)
	}
	answer := Answer{Text: strings.TrimSpace(text), LatencyMs: time.Since(started).Milliseconds(), Usage: result.Usage}

	p.cache.store(ctx, channelID, question, answer.Text)
	p.finishSuccess(ctx, channelID, userID, question, answer)
	return answer, nil
}

// sanitizeStream masks denylisted words in streamed deltas before they are
// forwarded. Text is held back until a word boundary so a denied word split
// across deltas cannot slip through unmasked.
func (p *Pipeline) sanitizeStream(next func(llm.ChatStreamDelta) error) func(llm.ChatStreamDelta) error {
	var pending, sent string
	return func(delta llm.ChatStreamDelta) error {
		pending += delta.Content
		ready := pending
		if !delta.Done && delta.FinishReason == "" {
			cut := lastWordBoundary(ready)
			ready, pending = ready[:cut], ready[cut:]
		} else {
			pending = ""
		}

		out := delta
		out.Content = p.filter.Mask(ready)
		sent += out.Content
		out.FullContent = sent
		if out.Content == "" && !delta.Done {
			return nil
		}
		return next(out)
	}
}

// lastWordBoundary returns the index just past the last rune that cannot be
// part of a word, or 0 when the whole text is one unfinished word.
func lastWordBoundary(text string) int {
	for i := len(text); i > 0; {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' {
			return i
		}
		i -= size
	}
	return 0
}

// complete calls the upstream model with bounded retries. Timeouts and
// cancellations are not retried.
func (p *Pipeline) complete(ctx context.Context, messages []llm.ChatMessage, stream func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return llm.ChatResult{}, ErrTimeout
			case <-time.After(delay):
			}
			log.Printf("qa: retrying upstream request, attempt %d", attempt+1)
		}

		result, err := p.attempt(ctx, messages, stream)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return llm.ChatResult{}, ErrTimeout
		}
		lastErr = err
	}
	return llm.ChatResult{}, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

// attempt runs a single upstream call, bounded by the completer's own
// timeout so one slow attempt cannot eat the whole request deadline.
func (p *Pipeline) attempt(ctx context.Context, messages []llm.ChatMessage, stream func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	if timeout := p.completer.Timeout(); timeout > 0 {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx = attemptCtx
	}
	if stream != nil {
		return p.completer.ChatStream(ctx, messages, stream)
	}
	return p.completer.Chat(ctx, messages)
}

func (p *Pipeline) buildMessages(channelID, knowledgeText, question string) []llm.ChatMessage {
	var system strings.Builder
	system.WriteString("You are a study helper for a class chat channel. ")
	system.WriteString("Answer questions using the course material below as your primary source. ")
	system.WriteString("When the material does not cover something, reason it out and say the material does not cover it.\n\n")
	system.WriteString("Course material:\n")
	system.WriteString(knowledgeText)

	if p.tracker != nil {
		if recent := p.tracker.Recent(channelID); len(recent) > 0 {
			system.WriteString("\n\nRecent questions in this channel, oldest first:\n")
			for _, entry := range recent {
				system.WriteString("- ")
				system.WriteString(entry.Question)
				system.WriteString("\n")
			}
		}
	}

	return []llm.ChatMessage{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: question},
	}
}

func (p *Pipeline) finishSuccess(ctx context.Context, channelID, userID, question string, answer Answer) {
	if p.tracker != nil {
		p.tracker.Record(channelID, userID, question)
	}

	p.mu.Lock()
	p.debug[channelID] = DebugSnapshot{
		UserID:   userID,
		Question: question,
		Answer:   answer.Text,
		Cached:   answer.Cached,
		AskedAt:  time.Now().UTC(),
	}
	p.mu.Unlock()

	if p.ledger == nil {
		return
	}
	rec := &stats.QuestionRecord{
		ChannelID: channelID,
		UserID:    userID,
		Question:  question,
		Answer:    answer.Text,
		LatencyMs: answer.LatencyMs,
	}
	if err := p.ledger.Record(ctx, rec); err != nil {
		log.Printf("qa: record question for %s: %v", channelID, err)
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, channelID, userID, question string, started time.Time, askErr error) {
	if p.ledger == nil {
		return
	}

	code := errCodeUpstream
	if errors.Is(askErr, ErrTimeout) {
		code = errCodeTimeout
	}
	rec := &stats.QuestionRecord{
		ChannelID: channelID,
		UserID:    userID,
		Question:  question,
		LatencyMs: time.Since(started).Milliseconds(),
		ErrorFlag: true,
		ErrCode:   &code,
	}
	if err := p.ledger.Record(ctx, rec); err != nil {
		log.Printf("qa: record failed question for %s: %v", channelID, err)
	}
}

// Debug returns the last exchange recorded for a channel.
func (p *Pipeline) Debug(channelID string) (DebugSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot, ok := p.debug[channelID]
	return snapshot, ok
}

// ForgetChannel drops in-memory context and debug state for a channel.
func (p *Pipeline) ForgetChannel(ctx context.Context, channelID string) {
	if p.tracker != nil {
		p.tracker.Clear(channelID)
	}
	p.cache.invalidateChannel(ctx, channelID)

	p.mu.Lock()
	delete(p.debug, channelID)
	p.mu.Unlock()
}
