// Package ws serves streaming transcription sessions over a websocket
// endpoint. Each connection gets its own recognizer built by a StreamFactory;
// inbound JSON events (start, audio, end, set_language) drive it and
// recognizer results flow back as partial/final/error events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smohantty/whisper-asr/pkg/asr"
	"github.com/smohantty/whisper-asr/pkg/audio"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/logging"
	"github.com/smohantty/whisper-asr/pkg/metrics"
	"github.com/smohantty/whisper-asr/pkg/models"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	StreamPath     string   `mapstructure:"stream_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	SendBuffer     int      `mapstructure:"send_buffer"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/v1/stream"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Stream is the per-connection recognizer the transport feeds.
// *asr.Transcriber satisfies it.
type Stream interface {
	Start(samples []float32) error
	Continue(samples []float32) error
	End(samples []float32) error
	SwitchLanguage(lang models.Language) error
	Language() models.Language
	Loaded() bool
	Close() error
}

// StreamFactory builds one Stream per connection. Results delivered to cb
// are pushed to the client.
type StreamFactory func(cb asr.Callback) (Stream, error)

type Transport struct {
	cfg      Config
	factory  StreamFactory
	log      *slog.Logger
	obs      metrics.Observer
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	draining atomic.Bool
}

func New(cfg Config, factory StreamFactory, obs metrics.Observer) *Transport {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	t := &Transport{
		cfg:     cfg,
		factory: factory,
		log:     logging.NewComponentLogger(slog.Default(), "ws_transport"),
		obs:     obs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

// Addr reflects the configured listen address.
func (t *Transport) Addr() string { return t.cfg.Addr }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.StreamPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("ws_transport_server_error", "error", err.Error())
		}
	}()
	t.log.Info("ws_transport_listening", "addr", t.cfg.Addr, "path", t.cfg.StreamPath)
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.close()
	}
	return nil
}

// ActiveSessions reports how many connections are currently attached.
func (t *Transport) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, t.cfg.SendBuffer),
		obs:    t.obs,
	}
	stream, err := t.factory(sess.onResult)
	if err != nil {
		t.log.Error("ws_stream_init_failed", "connection_id", sess.id, "error", err.Error())
		msg, _ := json.Marshal(serverEvent{
			Type:    "error",
			Code:    string(errorsx.Reason(err)),
			Message: "recognizer unavailable",
		})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		return
	}
	sess.stream = stream
	t.attach(sess)
	defer t.detach(sess.id)

	t.log.Info("ws_connected", "connection_id", sess.id)
	t.obs.RecordEvent(metrics.MetricsEvent{Name: "ws_connected", Time: time.Now(), Value: 1})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt clientEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			sess.sendError("", errorsx.New(errorsx.ReasonPayloadInvalid, "malformed event"))
			continue
		}
		if closed := t.handleEvent(sess, evt); closed {
			break
		}
	}
	t.log.Info("ws_disconnected", "connection_id", sess.id)
}

// handleEvent applies one client event to the session's stream. It reports
// true when the stream has been closed underneath us and the read loop
// should stop.
func (t *Transport) handleEvent(sess *session, evt clientEvent) bool {
	switch evt.Type {
	case "start":
		samples, err := decodeAudio(evt, t.cfg.SampleRate)
		if err != nil {
			sess.sendError("", err)
			return false
		}
		id := strings.TrimSpace(evt.UtteranceID)
		if id == "" {
			id = uuid.NewString()
		}
		sess.noteStart(id)
		if err := sess.stream.Start(samples); err != nil {
			if errors.Is(err, asr.ErrClosed) {
				return true
			}
			sess.sendError(sess.errorID(), err)
		}
	case "audio":
		samples, err := decodeAudio(evt, t.cfg.SampleRate)
		if err != nil {
			sess.sendError(sess.errorID(), err)
			return false
		}
		if err := sess.stream.Continue(samples); err != nil {
			if errors.Is(err, asr.ErrClosed) {
				return true
			}
			sess.sendError(sess.errorID(), err)
		}
	case "end":
		samples, err := decodeAudio(evt, t.cfg.SampleRate)
		if err != nil {
			sess.sendError(sess.errorID(), err)
			return false
		}
		sess.noteEnd()
		if !sess.stream.Loaded() {
			// An unloaded recognizer drops the submission, so close the
			// utterance here: every end still yields exactly one final.
			sess.sendError(sess.finalID(), errorsx.New(errorsx.ReasonEngineInit, "no model loaded"))
			sess.send(serverEvent{Type: "final", UtteranceID: sess.popFinal()})
			return false
		}
		if err := sess.stream.End(samples); err != nil {
			if errors.Is(err, asr.ErrClosed) {
				return true
			}
			sess.sendError(sess.errorID(), err)
		}
	case "set_language":
		if err := sess.stream.SwitchLanguage(models.Language(evt.Language)); err != nil {
			if errors.Is(err, asr.ErrClosed) {
				return true
			}
			sess.sendError("", err)
			return false
		}
		sess.send(serverEvent{Type: "language_switched", Language: string(sess.stream.Language())})
	default:
		sess.sendError("", errorsx.Errorf(errorsx.ReasonPayloadInvalid, "unknown event type %q", evt.Type))
	}
	return false
}

func (t *Transport) attach(sess *session) {
	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()
	go sess.loop()
}

func (t *Transport) detach(id string) {
	t.mu.Lock()
	sess := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
