//go:build whisper_cpp

package whispercpp

import (
	"context"
	"errors"
	"io"
	"runtime"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/smohantty/whisper-asr/pkg/engine"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
)

// Engine drives a loaded ggml model. Calls are serialized by the owning
// worker goroutine, so no locking happens here.
type Engine struct {
	model     whisperpkg.Model
	language  string
	threads   uint
	translate bool
	closed    bool
}

// New loads the model file at cfg.ModelPath into memory. Loading is the
// expensive step; per-window decode state is created fresh in Infer.
func New(cfg engine.Config) (engine.Engine, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	model, err := whisperpkg.New(cfg.ModelPath)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonEngineInit, "load model %s: %w", cfg.ModelPath, err)
	}
	return &Engine{
		model:     model,
		language:  cfg.Language,
		threads:   uint(threads),
		translate: cfg.Translate,
	}, nil
}

func (e *Engine) Infer(ctx context.Context, samples []float32, prompt []engine.Token) ([]engine.Segment, error) {
	if e.closed {
		return nil, errorsx.New(errorsx.ReasonEngineClosed, "engine is closed")
	}
	if len(samples) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInference)
	}
	wctx.SetThreads(e.threads)
	wctx.SetTranslate(e.translate)
	wctx.SetTokenTimestamps(true)
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			return nil, errorsx.Errorf(errorsx.ReasonInference, "set language %q: %w", e.language, err)
		}
	}
	if text := engine.PromptText(prompt); text != "" {
		wctx.SetInitialPrompt(text)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonInference, "process %d samples: %w", len(samples), err)
	}

	var segs []engine.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonInference)
		}
		out := engine.Segment{Text: seg.Text}
		for _, tok := range seg.Tokens {
			out.Tokens = append(out.Tokens, engine.Token{ID: int(tok.Id), Text: tok.Text})
		}
		segs = append(segs, out)
	}
	return segs, nil
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}
