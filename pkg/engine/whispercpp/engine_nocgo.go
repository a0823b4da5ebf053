//go:build !whisper_cpp

package whispercpp

import "github.com/smohantty/whisper-asr/pkg/engine"

// New returns the in-memory stub when the native bindings are not compiled
// in. Model paths are still resolved and stat'ed by the caller, so file
// handling behaves the same in both builds.
func New(cfg engine.Config) (engine.Engine, error) {
	return engine.NewStub(cfg), nil
}
