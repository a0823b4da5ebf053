// Package whispercpp adapts the whisper.cpp Go bindings to the engine
// interface. The native implementation compiles behind the whisper_cpp
// build tag; without it New hands back the in-memory stub so the module
// builds and tests run on machines without the C library.
package whispercpp

import "github.com/smohantty/whisper-asr/pkg/engine"

func init() {
	engine.Default.Register("whispercpp", New)
}
