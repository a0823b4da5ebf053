// Package asr is the streaming transcription facade. Pushed audio is sliced
// into fixed windows and handed to a single worker goroutine, which runs
// inference with per-utterance decode context and reports transcripts
// through a caller-supplied callback.
package asr

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/smohantty/whisper-asr/pkg/chunker"
	"github.com/smohantty/whisper-asr/pkg/continuity"
	"github.com/smohantty/whisper-asr/pkg/engine"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/metrics"
	"github.com/smohantty/whisper-asr/pkg/models"
	"github.com/smohantty/whisper-asr/pkg/redact"
)

// ErrClosed is returned by operations on a closed Transcriber.
var ErrClosed = errors.New("transcriber closed")

type ResultKind uint8

const (
	KindPartial ResultKind = iota
	KindFinal
	KindError
)

func (k ResultKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is one callback emission. Text is set for partials and finals,
// Err for errors.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// Callback receives results on the worker goroutine. It must return
// promptly and must not call Close or SwitchLanguage; submitting more
// audio is allowed.
type Callback func(Result)

// workItem is one unit of worker input. reset discards decode context
// before any window in it is processed; process carries a sliced window.
type workItem struct {
	win     chunker.Window
	process bool
	reset   bool
	seq     uint64
}

// Transcriber owns the accumulator, the work queue, and the engine. Audio
// producers only ever touch the queue under mu, so they never wait on
// inference. The decode context tracker is touched by the worker alone
// while it runs; lifecycle methods only reach it after the worker joined.
type Transcriber struct {
	callback Callback
	log      *slog.Logger
	obs      metrics.Observer
	catalog  *models.Catalog
	loader   engine.LoadFunc
	engCfg   engine.Config

	maxPending int

	// lifecycle serializes SwitchLanguage and Close against each other.
	lifecycle sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []workItem
	acc        *chunker.Accumulator
	eng        engine.Engine
	language   models.Language
	running    bool
	stopping   bool
	swapping   bool
	closed     bool
	workerDone chan struct{}
	seq        uint64

	tracker *continuity.Tracker
}

// Start opens a new utterance, discarding any buffered audio from the
// previous one, and slices at most one window from samples.
func (t *Transcriber) Start(samples []float32) error {
	return t.submit(samples, chunker.TagStart)
}

// Continue appends samples to the open utterance and queues every full
// window. Audio outside an utterance is ignored.
func (t *Transcriber) Continue(samples []float32) error {
	return t.submit(samples, chunker.TagContinue)
}

// End closes the utterance. Whatever remains in the buffer is padded into
// one last window, so exactly one final transcript follows every End.
func (t *Transcriber) End(samples []float32) error {
	return t.submit(samples, chunker.TagEnd)
}

func (t *Transcriber) submit(samples []float32, tag chunker.Tag) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.eng == nil && !t.swapping {
		t.mu.Unlock()
		t.log.Warn("window_dropped", "reason", "engine_unloaded", "tag", tag.String())
		t.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "asr_window_dropped",
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"reason": "engine_unloaded", "tag": tag.String()},
		})
		return nil
	}
	if tag == chunker.TagStart {
		t.queue = append(t.queue, workItem{reset: true})
	}
	for _, w := range t.acc.Push(samples, tag) {
		t.seq++
		t.queue = append(t.queue, workItem{win: w, process: true, seq: t.seq})
	}
	dropped := t.dropOverflowLocked()
	t.cond.Broadcast()
	t.mu.Unlock()

	for _, item := range dropped {
		t.log.Warn("window_dropped", "reason", "queue_full", "seq", item.seq)
		t.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "asr_window_dropped",
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"reason": "queue_full", "tag": item.win.Tag.String()},
		})
	}
	return nil
}

// dropOverflowLocked sheds the oldest continue windows once the queue
// exceeds maxPending. Start and end windows are never dropped: they carry
// utterance boundaries.
func (t *Transcriber) dropOverflowLocked() []workItem {
	if t.maxPending <= 0 {
		return nil
	}
	var dropped []workItem
	for t.pendingWindowsLocked() > t.maxPending {
		idx := -1
		for i, it := range t.queue {
			if it.process && it.win.Tag == chunker.TagContinue {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		dropped = append(dropped, t.queue[idx])
		t.queue = append(t.queue[:idx], t.queue[idx+1:]...)
	}
	return dropped
}

func (t *Transcriber) pendingWindowsLocked() int {
	n := 0
	for _, it := range t.queue {
		if it.process {
			n++
		}
	}
	return n
}

// Pending reports how many windows are queued but not yet inferred.
func (t *Transcriber) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingWindowsLocked()
}

// Language reports the language of the currently loaded model.
func (t *Transcriber) Language() models.Language {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.language
}

// Loaded reports whether an engine is loaded. False after a failed switch.
func (t *Transcriber) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eng != nil
}

func (t *Transcriber) startWorkerLocked() {
	if t.running {
		return
	}
	done := make(chan struct{})
	t.workerDone = done
	t.running = true
	t.stopping = false
	go t.worker(done)
}

// stopWorker tells the worker to exit, wakes it, and waits for it. Once it
// returns no further callbacks fire. Queued windows stay queued.
func (t *Transcriber) stopWorker() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	t.cond.Broadcast()
	done := t.workerDone
	t.mu.Unlock()

	<-done

	t.mu.Lock()
	t.running = false
	t.stopping = false
	t.mu.Unlock()
}

func (t *Transcriber) worker(done chan struct{}) {
	defer close(done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.stopping {
			t.cond.Wait()
		}
		if t.stopping {
			t.mu.Unlock()
			return
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		eng := t.eng
		t.mu.Unlock()

		if item.reset {
			t.tracker.Reset()
		}
		if item.process {
			t.processWindow(eng, item)
		}
	}
}

func (t *Transcriber) processWindow(eng engine.Engine, item workItem) {
	w := item.win
	if eng == nil {
		t.emitError(errorsx.New(errorsx.ReasonEngineClosed, "no engine loaded"))
		if w.Tag == chunker.TagEnd {
			t.tracker.Reset()
			t.emitFinal("")
		}
		return
	}

	// A zero-length end window closes a silent utterance without touching
	// the engine.
	if w.Tag == chunker.TagEnd && w.Empty() {
		t.tracker.Reset()
		t.emitFinal("")
		return
	}

	prepared, prompt := t.tracker.Prepare(w.Samples)
	start := time.Now()
	segs, err := eng.Infer(context.Background(), prepared, prompt)
	elapsed := time.Since(start)

	t.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "asr_inference",
		Time:  time.Now(),
		Value: float64(elapsed.Milliseconds()),
		Tags:  map[string]string{"tag": w.Tag.String(), "ok": strconv.FormatBool(err == nil)},
		Fields: map[string]any{
			"seq":           item.seq,
			"samples":       len(prepared),
			"prompt_tokens": len(prompt),
		},
	})

	if err != nil {
		t.log.Error("inference_failed",
			"seq", item.seq,
			"tag", w.Tag.String(),
			"reason", string(errorsx.Reason(err)),
			"error", err,
		)
		t.emitError(err)
		if w.Tag == chunker.TagEnd {
			t.tracker.Reset()
			t.emitFinal("")
		}
		return
	}

	t.tracker.Commit(prepared, segs)
	text := engine.JoinSegments(segs)

	if w.Tag == chunker.TagEnd {
		t.tracker.Reset()
		t.emitFinal(text)
		return
	}
	if text == "" || text == t.tracker.LastText() {
		return
	}
	t.tracker.MarkEmitted(text)
	t.emitPartial(text)
}

func (t *Transcriber) emitPartial(text string) {
	t.log.Debug("partial_transcript", "text", redact.Preview(text, 64))
	t.obs.RecordEvent(metrics.MetricsEvent{Name: "asr_partial", Time: time.Now(), Value: 1})
	t.callback(Result{Kind: KindPartial, Text: text})
}

func (t *Transcriber) emitFinal(text string) {
	t.log.Info("final_transcript", "text", redact.Preview(text, 64), "chars", len(text))
	t.obs.RecordEvent(metrics.MetricsEvent{Name: "asr_final", Time: time.Now(), Value: 1})
	t.callback(Result{Kind: KindFinal, Text: text})
}

func (t *Transcriber) emitError(err error) {
	t.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "asr_chunk_error",
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"reason": string(errorsx.Reason(err))},
	})
	t.callback(Result{Kind: KindError, Err: err})
}

// SwitchLanguage swaps the loaded model. Switching to the current language
// with a loaded engine is a no-op. The worker is stopped for the swap and
// restarted after; queued windows survive and producers keep submitting
// throughout. On failure the transcriber is left without an engine and
// submissions are dropped until a later switch succeeds.
func (t *Transcriber) SwitchLanguage(lang models.Language) error {
	lang = models.Normalize(string(lang))
	if lang == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "language must not be empty")
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.eng != nil && lang == t.language {
		t.mu.Unlock()
		return nil
	}
	from := t.language
	t.swapping = true
	t.mu.Unlock()

	t.stopWorker()

	t.mu.Lock()
	if t.eng != nil {
		_ = t.eng.Close()
		t.eng = nil
	}
	t.mu.Unlock()

	eng, err := t.loadEngine(lang)

	t.mu.Lock()
	t.swapping = false
	if err != nil {
		t.mu.Unlock()
		t.log.Error("model_swap_failed",
			"from", string(from),
			"to", string(lang),
			"reason", string(errorsx.Reason(err)),
			"error", err,
		)
		t.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "model_swap",
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"from": string(from), "to": string(lang), "ok": "false"},
		})
		return err
	}
	t.eng = eng
	t.language = lang
	t.tracker.Reset()
	t.startWorkerLocked()
	pending := t.pendingWindowsLocked()
	t.mu.Unlock()

	t.log.Info("model_swapped", "from", string(from), "to", string(lang), "pending_windows", pending)
	t.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "model_swap",
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"from": string(from), "to": string(lang), "ok": "true"},
	})
	return nil
}

// loadEngine resolves the model path for lang when a catalog is configured
// and hands the engine config to the loader. Remote engines run without a
// catalog and ignore ModelPath.
func (t *Transcriber) loadEngine(lang models.Language) (engine.Engine, error) {
	cfg := t.engCfg
	cfg.Language = string(lang)
	if t.catalog != nil {
		path, err := t.catalog.Locate(lang)
		if err != nil {
			return nil, err
		}
		cfg.ModelPath = path
	}
	eng, err := t.loader(cfg)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineInit)
	}
	return eng, nil
}

// Close stops the worker, releases the engine, and discards queued and
// buffered audio. No callbacks fire after Close returns. Idempotent.
func (t *Transcriber) Close() error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.stopWorker()

	t.mu.Lock()
	var err error
	if t.eng != nil {
		err = t.eng.Close()
		t.eng = nil
	}
	discarded := t.pendingWindowsLocked()
	t.queue = nil
	t.acc.Reset()
	t.mu.Unlock()

	t.tracker.Reset()
	t.log.Info("transcriber_closed", "discarded_windows", discarded)
	return err
}
