package ws

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"github.com/smohantty/whisper-asr/pkg/asr"
	"github.com/smohantty/whisper-asr/pkg/audio"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/models"
)

type fakeStream struct {
	mu        sync.Mutex
	cb        asr.Callback
	starts    [][]float32
	conts     [][]float32
	ends      [][]float32
	switched  []models.Language
	language  models.Language
	unloaded  bool
	closed    bool
	switchErr error
}

func (f *fakeStream) Start(s []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, append([]float32(nil), s...))
	return nil
}

func (f *fakeStream) Continue(s []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conts = append(f.conts, append([]float32(nil), s...))
	return nil
}

func (f *fakeStream) End(s []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, append([]float32(nil), s...))
	return nil
}

func (f *fakeStream) SwitchLanguage(lang models.Language) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, lang)
	if f.switchErr != nil {
		return f.switchErr
	}
	f.language = models.Normalize(string(lang))
	return nil
}

func (f *fakeStream) Language() models.Language {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.language
}

func (f *fakeStream) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unloaded
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) setCallback(cb asr.Callback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeStream) emit(res asr.Result) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(res)
}

func (f *fakeStream) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeStream) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ends)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	tr     *Transport
	srv    *httptest.Server
	conn   *websocket.Conn
	stream *fakeStream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := &fakeStream{language: models.LanguageEnglish}
	tr := New(Config{}, func(cb asr.Callback) (Stream, error) {
		fs.setCallback(cb)
		return fs, nil
	}, nil)
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)
	conn := dial(t, srv)
	return &fixture{tr: tr, srv: srv, conn: conn, stream: fs}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, evt clientEvent) {
	t.Helper()
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) serverEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt serverEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	return evt
}

func pcm16Payload(samples []float32) string {
	return base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples))
}

func TestStartAudioEndRoundTrip(t *testing.T) {
	fx := newFixture(t)

	sendEvent(t, fx.conn, clientEvent{Type: "start", UtteranceID: "utt-1", Audio: pcm16Payload([]float32{0.25, -0.25})})
	waitFor(t, func() bool { return fx.stream.startCount() == 1 }, "start delivery")

	fx.stream.mu.Lock()
	got := fx.stream.starts[0]
	fx.stream.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if math.Abs(float64(got[0]-0.25)) > 1e-3 {
		t.Fatalf("sample mangled: %v", got[0])
	}

	fx.stream.emit(asr.Result{Kind: asr.KindPartial, Text: "hel"})
	evt := readEvent(t, fx.conn)
	if evt.Type != "partial" || evt.Text != "hel" || evt.UtteranceID != "utt-1" {
		t.Fatalf("unexpected partial: %+v", evt)
	}
	if evt.Language != "en" {
		t.Fatalf("expected language en, got %q", evt.Language)
	}

	sendEvent(t, fx.conn, clientEvent{Type: "audio", Audio: pcm16Payload([]float32{0.5})})
	waitFor(t, func() bool {
		fx.stream.mu.Lock()
		defer fx.stream.mu.Unlock()
		return len(fx.stream.conts) == 1
	}, "audio delivery")

	sendEvent(t, fx.conn, clientEvent{Type: "end"})
	waitFor(t, func() bool { return fx.stream.endCount() == 1 }, "end delivery")

	fx.stream.emit(asr.Result{Kind: asr.KindFinal, Text: "hello"})
	evt = readEvent(t, fx.conn)
	if evt.Type != "final" || evt.Text != "hello" || evt.UtteranceID != "utt-1" {
		t.Fatalf("unexpected final: %+v", evt)
	}
}

func TestFinalsBindToUtterancesInOrder(t *testing.T) {
	fx := newFixture(t)

	sendEvent(t, fx.conn, clientEvent{Type: "start", UtteranceID: "a", Audio: pcm16Payload([]float32{0.1})})
	sendEvent(t, fx.conn, clientEvent{Type: "end"})
	sendEvent(t, fx.conn, clientEvent{Type: "start", UtteranceID: "b", Audio: pcm16Payload([]float32{0.2})})
	sendEvent(t, fx.conn, clientEvent{Type: "end"})
	waitFor(t, func() bool { return fx.stream.endCount() == 2 }, "both ends")

	fx.stream.emit(asr.Result{Kind: asr.KindFinal, Text: "first"})
	fx.stream.emit(asr.Result{Kind: asr.KindFinal, Text: "second"})

	evt := readEvent(t, fx.conn)
	if evt.UtteranceID != "a" || evt.Text != "first" {
		t.Fatalf("first final misbound: %+v", evt)
	}
	evt = readEvent(t, fx.conn)
	if evt.UtteranceID != "b" || evt.Text != "second" {
		t.Fatalf("second final misbound: %+v", evt)
	}
}

func TestServerAssignsUtteranceID(t *testing.T) {
	fx := newFixture(t)

	sendEvent(t, fx.conn, clientEvent{Type: "start", Audio: pcm16Payload([]float32{0.1})})
	waitFor(t, func() bool { return fx.stream.startCount() == 1 }, "start delivery")

	fx.stream.emit(asr.Result{Kind: asr.KindPartial, Text: "x"})
	evt := readEvent(t, fx.conn)
	if evt.UtteranceID == "" {
		t.Fatalf("expected generated utterance id")
	}
}

func TestFloat32AndResampledPayloads(t *testing.T) {
	fx := newFixture(t)

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-0.5))
	sendEvent(t, fx.conn, clientEvent{
		Type:   "start",
		Format: "f32le",
		Audio:  base64.StdEncoding.EncodeToString(raw),
	})
	waitFor(t, func() bool { return fx.stream.startCount() == 1 }, "f32le delivery")
	fx.stream.mu.Lock()
	got := fx.stream.starts[0]
	fx.stream.mu.Unlock()
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Fatalf("f32le decode mismatch: %v", got)
	}

	// 32 kHz input halves to the 16 kHz target.
	in := make([]float32, 640)
	sendEvent(t, fx.conn, clientEvent{
		Type:       "audio",
		SampleRate: 32000,
		Audio:      pcm16Payload(in),
	})
	waitFor(t, func() bool {
		fx.stream.mu.Lock()
		defer fx.stream.mu.Unlock()
		return len(fx.stream.conts) == 1
	}, "resampled delivery")
	fx.stream.mu.Lock()
	resampled := fx.stream.conts[0]
	fx.stream.mu.Unlock()
	if len(resampled) != 320 {
		t.Fatalf("expected 320 resampled samples, got %d", len(resampled))
	}
}

func TestWAVPayloadCarriesOwnRate(t *testing.T) {
	fx := newFixture(t)

	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	ints := make([]int, 80)
	err = enc.Write(&goaudio.IntBuffer{
		Data:           ints,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		SourceBitDepth: 16,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	_ = f.Close()
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	sendEvent(t, fx.conn, clientEvent{
		Type:   "start",
		Format: "wav",
		Audio:  base64.StdEncoding.EncodeToString(blob),
	})
	waitFor(t, func() bool { return fx.stream.startCount() == 1 }, "wav delivery")
	fx.stream.mu.Lock()
	got := fx.stream.starts[0]
	fx.stream.mu.Unlock()
	// 80 samples at 8 kHz upsample to 160 at the 16 kHz target.
	if len(got) != 160 {
		t.Fatalf("expected 160 samples after resample, got %d", len(got))
	}
}

func TestMalformedEventsProduceErrorFrames(t *testing.T) {
	fx := newFixture(t)

	if err := fx.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	evt := readEvent(t, fx.conn)
	if evt.Type != "error" || evt.Code != string(errorsx.ReasonPayloadInvalid) {
		t.Fatalf("expected payload_invalid error, got %+v", evt)
	}

	sendEvent(t, fx.conn, clientEvent{Type: "audio", Audio: "!!!not-base64!!!"})
	evt = readEvent(t, fx.conn)
	if evt.Type != "error" || evt.Code != string(errorsx.ReasonPayloadInvalid) {
		t.Fatalf("expected decode error, got %+v", evt)
	}

	sendEvent(t, fx.conn, clientEvent{Type: "audio", Format: "opus", Audio: pcm16Payload([]float32{0})})
	evt = readEvent(t, fx.conn)
	if evt.Type != "error" || !strings.Contains(evt.Message, "opus") {
		t.Fatalf("expected unknown format error, got %+v", evt)
	}

	sendEvent(t, fx.conn, clientEvent{Type: "bogus"})
	evt = readEvent(t, fx.conn)
	if evt.Type != "error" || !strings.Contains(evt.Message, "bogus") {
		t.Fatalf("expected unknown type error, got %+v", evt)
	}

	if fx.stream.startCount() != 0 || fx.stream.endCount() != 0 {
		t.Fatalf("malformed events must not reach the stream")
	}
}

func TestSetLanguage(t *testing.T) {
	fx := newFixture(t)

	sendEvent(t, fx.conn, clientEvent{Type: "set_language", Language: "KO"})
	evt := readEvent(t, fx.conn)
	if evt.Type != "language_switched" || evt.Language != "ko" {
		t.Fatalf("unexpected ack: %+v", evt)
	}
	fx.stream.mu.Lock()
	switched := append([]models.Language(nil), fx.stream.switched...)
	fx.stream.mu.Unlock()
	if len(switched) != 1 || switched[0] != models.Language("KO") {
		t.Fatalf("switch not delivered: %v", switched)
	}

	fx.stream.mu.Lock()
	fx.stream.switchErr = errorsx.New(errorsx.ReasonModelNotFound, "no model")
	fx.stream.mu.Unlock()
	sendEvent(t, fx.conn, clientEvent{Type: "set_language", Language: "fr"})
	evt = readEvent(t, fx.conn)
	if evt.Type != "error" || evt.Code != string(errorsx.ReasonModelNotFound) {
		t.Fatalf("expected model_not_found error, got %+v", evt)
	}
}

func TestEndWithoutModelStillYieldsFinal(t *testing.T) {
	fx := newFixture(t)
	fx.stream.mu.Lock()
	fx.stream.unloaded = true
	fx.stream.mu.Unlock()

	sendEvent(t, fx.conn, clientEvent{Type: "start", UtteranceID: "u", Audio: pcm16Payload([]float32{0.1})})
	sendEvent(t, fx.conn, clientEvent{Type: "end"})

	evt := readEvent(t, fx.conn)
	if evt.Type != "error" || evt.Code != string(errorsx.ReasonEngineInit) || evt.UtteranceID != "u" {
		t.Fatalf("expected engine_init error for u, got %+v", evt)
	}
	evt = readEvent(t, fx.conn)
	if evt.Type != "final" || evt.Text != "" || evt.UtteranceID != "u" {
		t.Fatalf("expected empty final for u, got %+v", evt)
	}
	if fx.stream.endCount() != 0 {
		t.Fatalf("end must not reach an unloaded stream")
	}
}

func TestEachConnectionGetsOwnStream(t *testing.T) {
	var mu sync.Mutex
	var streams []*fakeStream
	tr := New(Config{}, func(cb asr.Callback) (Stream, error) {
		fs := &fakeStream{language: models.LanguageEnglish}
		fs.setCallback(cb)
		mu.Lock()
		streams = append(streams, fs)
		mu.Unlock()
		return fs, nil
	}, nil)
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)

	conn1 := dial(t, srv)
	conn2 := dial(t, srv)
	waitFor(t, func() bool { return tr.ActiveSessions() == 2 }, "both sessions attached")

	sendEvent(t, conn1, clientEvent{Type: "start", Audio: pcm16Payload([]float32{0.1})})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streams) == 2 && (streams[0].startCount()+streams[1].startCount()) == 1
	}, "start on one stream only")

	_ = conn2
}

func TestStopClosesSessionsAndRejectsDials(t *testing.T) {
	fx := newFixture(t)

	if err := fx.tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool {
		fx.stream.mu.Lock()
		defer fx.stream.mu.Unlock()
		return fx.stream.closed
	}, "stream closed")
	if fx.tr.ActiveSessions() != 0 {
		t.Fatalf("sessions not cleared")
	}

	_ = fx.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := fx.conn.ReadMessage(); err == nil {
		t.Fatalf("expected closed connection")
	}

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("expected dial rejection while draining")
	}
}

func TestFactoryFailureSendsErrorFrame(t *testing.T) {
	tr := New(Config{}, func(cb asr.Callback) (Stream, error) {
		return nil, errorsx.New(errorsx.ReasonEngineInit, "boom")
	}, nil)
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	evt := readEvent(t, conn)
	if evt.Type != "error" || evt.Code != string(errorsx.ReasonEngineInit) {
		t.Fatalf("expected engine_init error, got %+v", evt)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected server to close the connection")
	}
}
