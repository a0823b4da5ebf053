// Package chunker turns irregular caller-supplied audio bursts into
// fixed-size windows for bounded-latency inference calls, applying the
// start/continue/end segmentation policy.
package chunker

// Tag marks where an audio buffer sits inside an utterance.
type Tag uint8

const (
	TagStart Tag = iota
	TagContinue
	TagEnd
)

func (t Tag) String() string {
	switch t {
	case TagStart:
		return "start"
	case TagContinue:
		return "continue"
	case TagEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Window is one fixed-duration audio block ready for inference. Start and
// Continue windows always carry exactly the configured sample count; an End
// window carries either the padded count or no samples at all (pure
// finalization marker).
type Window struct {
	Samples []float32
	Tag     Tag
}

// Empty reports whether the window carries no audio.
func (w Window) Empty() bool { return len(w.Samples) == 0 }

// DefaultWindowSamples is 300 ms at 16 kHz mono.
const DefaultWindowSamples = 4800

// Accumulator buffers samples between calls and slices them into Windows.
// It is not goroutine-safe; the owner serializes access (the transcriber
// guards it with the queue mutex).
type Accumulator struct {
	size int
	buf  []float32
	open bool
}

// New returns an accumulator producing windows of windowSamples samples.
func New(windowSamples int) *Accumulator {
	if windowSamples <= 0 {
		windowSamples = DefaultWindowSamples
	}
	return &Accumulator{size: windowSamples}
}

// WindowSize returns the configured samples per window.
func (a *Accumulator) WindowSize() int { return a.size }

// Open reports whether an utterance session is in progress.
func (a *Accumulator) Open() bool { return a.open }

// Pending returns how many samples are buffered awaiting a full window.
func (a *Accumulator) Pending() int { return len(a.buf) }

// Push applies one (samples, tag) event and returns the windows it released,
// in FIFO order.
//
// Start discards any buffered samples, opens a session, and releases at most
// one window. Continue is ignored unless a session is open; it releases as
// many full windows as the buffer holds. End is always processed: full
// windows drain first, a non-empty remainder is right-padded with silence to
// exactly one window, and an empty remainder still yields a zero-length End
// window so finalization always reaches the worker. End closes the session
// and clears the buffer no matter what.
func (a *Accumulator) Push(samples []float32, tag Tag) []Window {
	switch tag {
	case TagStart:
		a.buf = a.buf[:0]
		a.open = true
		a.buf = append(a.buf, samples...)
		if len(a.buf) >= a.size {
			return []Window{a.takeWindow(TagStart)}
		}
		return nil

	case TagContinue:
		if !a.open {
			return nil
		}
		a.buf = append(a.buf, samples...)
		var out []Window
		for len(a.buf) >= a.size {
			out = append(out, a.takeWindow(TagContinue))
		}
		return out

	case TagEnd:
		a.buf = append(a.buf, samples...)
		var out []Window
		for len(a.buf) >= a.size {
			out = append(out, a.takeWindow(TagContinue))
		}
		if len(a.buf) > 0 {
			padded := make([]float32, a.size)
			copy(padded, a.buf)
			out = append(out, Window{Samples: padded, Tag: TagEnd})
		} else {
			out = append(out, Window{Tag: TagEnd})
		}
		a.reset()
		return out

	default:
		return nil
	}
}

// Reset drops buffered samples and closes any open session.
func (a *Accumulator) Reset() { a.reset() }

func (a *Accumulator) reset() {
	a.buf = a.buf[:0]
	a.open = false
}

func (a *Accumulator) takeWindow(tag Tag) Window {
	w := Window{Samples: make([]float32, a.size), Tag: tag}
	copy(w.Samples, a.buf[:a.size])
	rest := copy(a.buf, a.buf[a.size:])
	a.buf = a.buf[:rest]
	return w
}
