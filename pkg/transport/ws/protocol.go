package ws

import (
	"encoding/base64"
	"strings"

	"github.com/smohantty/whisper-asr/pkg/audio"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
)

// clientEvent is one inbound JSON message on the stream socket.
type clientEvent struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Format      string `json:"format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Audio       string `json:"audio,omitempty"`
}

// serverEvent is one outbound JSON message.
type serverEvent struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Language    string `json:"language,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// decodeAudio turns an event's base64 payload into mono float32 samples at
// targetRate. An empty payload decodes to nil samples, which the accumulator
// accepts on every operation.
func decodeAudio(evt clientEvent, targetRate int) ([]float32, error) {
	if evt.Audio == "" {
		return nil, nil
	}
	if evt.SampleRate < 0 {
		return nil, errorsx.Errorf(errorsx.ReasonPayloadInvalid, "invalid sample_rate %d", evt.SampleRate)
	}
	raw, err := base64.StdEncoding.DecodeString(evt.Audio)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonPayloadInvalid, "decode audio payload: %w", err)
	}
	var samples []float32
	rate := evt.SampleRate
	switch strings.ToLower(strings.TrimSpace(evt.Format)) {
	case "", "pcm16":
		samples, err = audio.DecodePCM16(raw)
	case "f32le", "float32":
		samples, err = audio.DecodeFloat32LE(raw)
	case "wav":
		samples, rate, err = audio.DecodeWAV(raw)
	default:
		return nil, errorsx.Errorf(errorsx.ReasonPayloadInvalid, "unknown audio format %q", evt.Format)
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPayloadInvalid)
	}
	if rate == 0 {
		rate = targetRate
	}
	if rate != targetRate {
		samples = audio.Resample(samples, rate, targetRate)
	}
	return samples, nil
}
