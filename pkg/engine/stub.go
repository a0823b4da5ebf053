package engine

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Stub produces deterministic transcripts without touching a real model.
// It backs the "stub" loader and the no-cgo build of the native adapter.
type Stub struct {
	language string
	calls    atomic.Int64
	closed   atomic.Bool
}

// NewStub returns a stub engine bound to the configured language.
func NewStub(cfg Config) *Stub {
	return &Stub{language: cfg.Language}
}

func (s *Stub) Infer(_ context.Context, samples []float32, prompt []Token) ([]Segment, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("stub engine is closed")
	}
	if len(samples) == 0 {
		return nil, nil
	}
	n := s.calls.Add(1)
	text := fmt.Sprintf("[stub:%s] window %d (%d samples, %d prompt tokens)",
		s.language, n, len(samples), len(prompt))
	return []Segment{{
		Text:   text,
		Tokens: []Token{{ID: int(n), Text: text}},
	}}, nil
}

func (s *Stub) Close() error {
	s.closed.Store(true)
	return nil
}

// Calls reports how many inferences ran.
func (s *Stub) Calls() int64 { return s.calls.Load() }

func init() {
	Default.Register("stub", func(cfg Config) (Engine, error) {
		return NewStub(cfg), nil
	})
}
