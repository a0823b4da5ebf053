package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smohantty/whisper-asr/pkg/asr"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/metrics"
)

// session owns one websocket connection and its recognizer. Writes go
// through sendCh so recognizer callbacks never block on the socket.
type session struct {
	id     string
	conn   *websocket.Conn
	stream Stream
	obs    metrics.Observer

	sendCh chan []byte

	// mu guards closed plus the utterance bookkeeping. current is the id
	// announced by the newest start event; finals queues ids of ended
	// utterances still waiting for their final transcript. Results pop
	// finals in order, which matches the worker's FIFO processing.
	mu      sync.Mutex
	closed  bool
	current string
	finals  []string
}

// onResult is the recognizer callback. It runs on the recognizer's worker
// goroutine, so it must stay non-blocking.
func (s *session) onResult(res asr.Result) {
	switch res.Kind {
	case asr.KindPartial:
		s.send(serverEvent{
			Type:        "partial",
			UtteranceID: s.partialID(),
			Text:        res.Text,
			Language:    string(s.stream.Language()),
		})
	case asr.KindFinal:
		s.send(serverEvent{
			Type:        "final",
			UtteranceID: s.popFinal(),
			Text:        res.Text,
			Language:    string(s.stream.Language()),
		})
	case asr.KindError:
		s.sendError(s.errorID(), res.Err)
	}
}

func (s *session) noteStart(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *session) noteEnd() {
	s.mu.Lock()
	s.finals = append(s.finals, s.current)
	s.current = ""
	s.mu.Unlock()
}

// partialID binds interim results to the most recently started utterance.
func (s *session) partialID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		return s.current
	}
	if len(s.finals) > 0 {
		return s.finals[0]
	}
	return ""
}

// errorID binds errors to the oldest utterance still expecting a final,
// falling back to the open one.
func (s *session) errorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finals) > 0 {
		return s.finals[0]
	}
	return s.current
}

// finalID peeks the id the next final transcript belongs to.
func (s *session) finalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finals) > 0 {
		return s.finals[0]
	}
	return ""
}

// popFinal consumes the id of the utterance whose final just arrived.
func (s *session) popFinal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finals) == 0 {
		return ""
	}
	id := s.finals[0]
	s.finals = s.finals[1:]
	return id
}

func (s *session) sendError(utteranceID string, err error) {
	s.send(serverEvent{
		Type:        "error",
		UtteranceID: utteranceID,
		Code:        string(errorsx.Reason(err)),
		Message:     err.Error(),
	})
}

func (s *session) send(evt serverEvent) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	dropped := false
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.sendCh <- b:
	default:
		dropped = true
	}
	s.mu.Unlock()
	if dropped {
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "ws_send_dropped",
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"type": evt.Type},
		})
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

// close tears the session down. The stream is closed first: once its Close
// returns no callback can fire, so nothing sends on sendCh after it closes.
func (s *session) close() error {
	if s.stream != nil {
		_ = s.stream.Close()
	}
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !wasClosed {
		close(s.sendCh)
	}
	return s.conn.Close()
}
