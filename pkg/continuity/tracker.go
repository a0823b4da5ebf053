// Package continuity carries per-utterance decoding context between
// inference calls: a trailing audio overlap so words are not cut at window
// boundaries, and the accumulated token history used as the decode prompt.
package continuity

import "github.com/smohantty/whisper-asr/pkg/engine"

const (
	// DefaultOverlapSamples is 200 ms at 16 kHz mono.
	DefaultOverlapSamples = 3200
	// DefaultMaxPromptTokens matches half of whisper's text context.
	DefaultMaxPromptTokens = 224
)

// Tracker holds the state of the open utterance. It is worker-private: only
// the inference goroutine touches it (the transcriber serializes model swaps
// by stopping that goroutine first), so it needs no locking.
type Tracker struct {
	overlap   int
	maxTokens int
	tail      []float32
	tokens    []engine.Token
	lastText  string
}

// NewTracker builds a Tracker retaining overlapSamples of trailing audio and
// at most maxPromptTokens of token history.
func NewTracker(overlapSamples, maxPromptTokens int) *Tracker {
	if overlapSamples < 0 {
		overlapSamples = DefaultOverlapSamples
	}
	if maxPromptTokens <= 0 {
		maxPromptTokens = DefaultMaxPromptTokens
	}
	return &Tracker{overlap: overlapSamples, maxTokens: maxPromptTokens}
}

// Prepare returns the samples to hand to the engine (retained overlap
// prepended to the new window) and the prompt tokens accumulated so far. The
// returned prompt aliases tracker state and is valid until the next Commit or
// Reset.
func (t *Tracker) Prepare(window []float32) ([]float32, []engine.Token) {
	if len(t.tail) == 0 {
		return window, t.tokens
	}
	prepared := make([]float32, 0, len(t.tail)+len(window))
	prepared = append(prepared, t.tail...)
	prepared = append(prepared, window...)
	return prepared, t.tokens
}

// Commit records a successful inference: the overlap tail becomes the
// trailing slice of the buffer that was actually processed, and the decoded
// tokens extend the session prompt (capped to the most recent maxTokens).
// Failed inferences must not be committed.
func (t *Tracker) Commit(prepared []float32, segs []engine.Segment) {
	keep := t.overlap
	if keep > len(prepared) {
		keep = len(prepared)
	}
	t.tail = append(t.tail[:0], prepared[len(prepared)-keep:]...)

	t.tokens = append(t.tokens, engine.CollectTokens(segs)...)
	if len(t.tokens) > t.maxTokens {
		t.tokens = append(t.tokens[:0], t.tokens[len(t.tokens)-t.maxTokens:]...)
	}
}

// LastText returns the most recently emitted transcript for de-duplication.
func (t *Tracker) LastText() string { return t.lastText }

// MarkEmitted records text that actually reached the callback.
func (t *Tracker) MarkEmitted(text string) {
	t.lastText = text
}

// PromptLen returns the current token history length.
func (t *Tracker) PromptLen() int { return len(t.tokens) }

// Reset drops all utterance state. Called on Start, after End, and around
// model swaps.
func (t *Tracker) Reset() {
	t.tail = t.tail[:0]
	t.tokens = t.tokens[:0]
	t.lastText = ""
}
