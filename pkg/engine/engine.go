// Package engine defines the inference-engine contract the transcriber
// drives. Implementations wrap an actual speech model (whisper.cpp, a remote
// provider, a stub); the transcriber treats them as opaque collaborators.
package engine

import "context"

// Token is one decoded token: the engine-native id plus its surface text.
type Token struct {
	ID   int
	Text string
}

// Segment is one span of decoded speech.
type Segment struct {
	Text   string
	Tokens []Token
}

// Config carries everything a loader needs to bring an engine up for one
// model binding. Settings is the free-form per-adapter map from
// configuration, decoded by the adapter itself (see pkg/configutil).
type Config struct {
	ModelPath  string
	Language   string
	SampleRate int
	Threads    int
	Translate  bool
	Settings   map[string]any
}

// Engine is a loaded model binding. Infer transcribes one prepared sample
// buffer, biased by the prompt tokens accumulated earlier in the utterance.
// Implementations are driven by a single goroutine at a time; they do not
// need internal locking against concurrent Infer calls.
type Engine interface {
	Infer(ctx context.Context, samples []float32, prompt []Token) ([]Segment, error)
	Close() error
}

// LoadFunc instantiates an Engine for a resolved model binding.
type LoadFunc func(cfg Config) (Engine, error)
