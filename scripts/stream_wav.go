package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smohantty/whisper-asr/pkg/audio"
)

type event struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Format      string `json:"format,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Text        string `json:"text,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/v1/stream", "")
	file := flag.String("file", "", "wav file to stream")
	language := flag.String("language", "", "switch language before streaming")
	chunkMS := flag.Int("chunk_ms", 300, "audio chunk size in milliseconds")
	realtime := flag.Bool("realtime", false, "pace chunks at wall-clock speed")
	flag.Parse()
	if *file == "" {
		fmt.Println("usage: stream_wav -file=utterance.wav [-addr=...] [-language=ko]")
		os.Exit(1)
	}

	blob, err := os.ReadFile(*file)
	if err != nil {
		fmt.Println("read error:", err)
		os.Exit(1)
	}
	samples, rate, err := audio.DecodeWAV(blob)
	if err != nil {
		fmt.Println("wav error:", err)
		os.Exit(1)
	}
	if rate != audio.DefaultSampleRate {
		samples = audio.Resample(samples, rate, audio.DefaultSampleRate)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var evt event
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "partial":
				fmt.Printf("partial  %s  %q\n", evt.UtteranceID, evt.Text)
			case "final":
				fmt.Printf("final    %s  %q\n", evt.UtteranceID, evt.Text)
				return
			case "error":
				fmt.Printf("error    [%s] %s\n", evt.Code, evt.Message)
			default:
				fmt.Printf("%s  %s\n", evt.Type, evt.Language)
			}
		}
	}()

	if *language != "" {
		send(conn, event{Type: "set_language", Language: *language})
	}

	chunk := audio.DefaultSampleRate * *chunkMS / 1000
	if chunk < 1 {
		chunk = audio.DefaultSampleRate * 300 / 1000
	}
	for i := 0; i < len(samples); i += chunk {
		end := i + chunk
		if end > len(samples) {
			end = len(samples)
		}
		evt := event{
			Type:  "audio",
			Audio: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples[i:end])),
		}
		if i == 0 {
			evt.Type = "start"
		}
		send(conn, evt)
		if *realtime {
			time.Sleep(time.Duration(*chunkMS) * time.Millisecond)
		}
	}
	send(conn, event{Type: "end"})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Println("timed out waiting for final transcript")
		os.Exit(1)
	}
}

func send(conn *websocket.Conn, evt event) {
	b, err := json.Marshal(evt)
	if err != nil {
		fmt.Println("marshal error:", err)
		os.Exit(1)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		fmt.Println("write error:", err)
		os.Exit(1)
	}
}
