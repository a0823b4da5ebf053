// Package deepgram implements the engine interface over the Deepgram live
// transcription API. Windows are forwarded as linear16 audio through a
// streaming websocket; transcripts arrive on a callback and are drained on
// the next Infer call, so results may trail the window that produced them.
package deepgram

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/smohantty/whisper-asr/pkg/audio"
	"github.com/smohantty/whisper-asr/pkg/configutil"
	"github.com/smohantty/whisper-asr/pkg/engine"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/logging"
	"github.com/smohantty/whisper-asr/pkg/resilience"
)

// Settings carries provider options from the engine settings map.
type Settings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	Interim           bool   `mapstructure:"interim_results"`
	SmartFormat       *bool  `mapstructure:"smart_format"`
	KeepAlive         *bool  `mapstructure:"keep_alive"`
	ConnectRetries    int    `mapstructure:"connect_retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	FlushWaitMS       *int   `mapstructure:"flush_wait_ms"`
	BreakerThreshold  *int   `mapstructure:"breaker_threshold"`
	BreakerCooldownMS *int   `mapstructure:"breaker_cooldown_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"model", "interim_results", "smart_format", "keep_alive",
		"connect_retries", "retry_backoff_ms", "flush_wait_ms",
		"breaker_threshold", "breaker_cooldown_ms",
	},
}

func parseSettings(cfg engine.Config) (Settings, error) {
	if err := configutil.ValidateSettings(cfg.Settings, settingsSchema); err != nil {
		return Settings{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	var s Settings
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return Settings{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	if s.Model == "" {
		s.Model = "nova-2"
	}
	return s, nil
}

// Engine bridges one live websocket connection to the batch Infer shape.
// Infer is driven by a single worker goroutine; the SDK read loop feeds the
// out channel from its own goroutine.
type Engine struct {
	language  string
	interim   bool
	flushWait time.Duration
	log       *slog.Logger

	dg      *client.WSCallback
	pw      *io.PipeWriter
	cancel  context.CancelFunc
	out     chan string
	breaker *resilience.CircuitBreaker
	closed  atomic.Bool
}

// New opens a live transcription connection configured for cfg. The remote
// model name comes from settings, not from cfg.ModelPath.
func New(cfg engine.Config) (engine.Engine, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	e := &Engine{
		language:  cfg.Language,
		interim:   s.Interim,
		flushWait: time.Duration(configutil.IntValue(s.FlushWaitMS, 150)) * time.Millisecond,
		log:       logging.NewComponentLogger(slog.Default(), "deepgram_engine"),
		out:       make(chan string, 256),
		breaker: resilience.NewCircuitBreaker(
			configutil.IntValue(s.BreakerThreshold, 5),
			time.Duration(configutil.IntValue(s.BreakerCooldownMS, 2000))*time.Millisecond,
		),
	}

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: configutil.BoolValue(s.KeepAlive, true),
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.Model,
		Language:       cfg.Language,
		Encoding:       "linear16",
		SampleRate:     sampleRate,
		InterimResults: s.Interim,
		SmartFormat:    configutil.BoolValue(s.SmartFormat, true),
	}

	cctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	cb := &transcriptCallback{e: e}
	retry := resilience.NewRetryPolicy(s.ConnectRetries, time.Duration(s.RetryBackoffMS)*time.Millisecond)
	err = retry.Do(func() error {
		dg, err := client.NewWSUsingCallback(cctx, s.APIKey, clientOptions, transcriptOptions, cb)
		if err != nil {
			return err
		}
		if !dg.Connect() {
			return errorsx.New(errorsx.ReasonEngineConnect, "websocket connect refused")
		}
		e.dg = dg
		return nil
	})
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	pr, pw := io.Pipe()
	e.pw = pw
	go func() {
		if err := e.dg.Stream(pr); err != nil && cctx.Err() == nil {
			e.log.Error("deepgram_stream_error", "error", err)
		}
	}()

	e.log.Info("deepgram_connected",
		"model", s.Model,
		"language", cfg.Language,
		"sample_rate", sampleRate,
	)
	return e, nil
}

// Infer forwards the window and returns whatever transcripts have arrived.
// An empty window sends nothing and only drains.
func (e *Engine) Infer(ctx context.Context, samples []float32, _ []engine.Token) ([]engine.Segment, error) {
	if e.closed.Load() {
		return nil, errorsx.New(errorsx.ReasonEngineClosed, "engine is closed")
	}
	if len(samples) > 0 {
		if !e.breaker.Allow() {
			return nil, errorsx.New(errorsx.ReasonEngineCircuitOpen, "breaker open, window not sent")
		}
		if _, err := e.pw.Write(audio.EncodePCM16(samples)); err != nil {
			e.breaker.OnError(err)
			return nil, errorsx.Wrap(err, errorsx.ReasonEngineSend)
		}
		e.breaker.OnSuccess()
	}
	return e.drainTranscripts(ctx), nil
}

// drainTranscripts collects queued transcripts, granting the first one a
// short grace period so results line up with nearby windows.
func (e *Engine) drainTranscripts(ctx context.Context) []engine.Segment {
	var segs []engine.Segment
	if e.flushWait > 0 {
		select {
		case text := <-e.out:
			segs = append(segs, engine.Segment{Text: text})
		case <-time.After(e.flushWait):
		case <-ctx.Done():
		}
	}
	for {
		select {
		case text := <-e.out:
			segs = append(segs, engine.Segment{Text: text})
		default:
			return segs
		}
	}
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.log.Info("deepgram_engine_close")
	if e.cancel != nil {
		e.cancel()
	}
	if e.pw != nil {
		_ = e.pw.Close()
	}
	if e.dg != nil {
		e.dg.Stop()
	}
	return nil
}

type transcriptCallback struct {
	e          *Engine
	metaLogged bool
}

func (c *transcriptCallback) Open(*msginterfaces.OpenResponse) error {
	c.e.log.Info("deepgram_connection_opened")
	return nil
}

func (c *transcriptCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal && !c.e.interim {
		return nil
	}
	select {
	case c.e.out <- text:
	default:
		c.e.log.Warn("deepgram_transcript_dropped", "reason", "channel_full")
	}
	return nil
}

func (c *transcriptCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.e.log.Info("deepgram_metadata_received", "request_id", md.RequestID)
	}
	return nil
}

func (c *transcriptCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *transcriptCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *transcriptCallback) Close(*msginterfaces.CloseResponse) error {
	c.e.log.Info("deepgram_connection_closed")
	return nil
}

func (c *transcriptCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.e.log.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	return nil
}

func (c *transcriptCallback) UnhandledEvent(byData []byte) error {
	c.e.log.Debug("deepgram_unhandled_event", "data", string(byData))
	return nil
}

func init() {
	engine.Default.Register("deepgram", New)
}
