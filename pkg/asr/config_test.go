package asr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "engine:\n  provider: stub\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Provider != "stub" {
		t.Fatalf("provider = %q", cfg.Engine.Provider)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.WindowMS != 300 || cfg.Audio.OverlapMS != 200 {
		t.Fatalf("unexpected audio defaults %+v", cfg.Audio)
	}
	if cfg.Audio.MaxPromptTokens != 224 {
		t.Fatalf("max_prompt_tokens = %d", cfg.Audio.MaxPromptTokens)
	}
	if cfg.Models.DefaultLanguage != "en" {
		t.Fatalf("default_language = %q", cfg.Models.DefaultLanguage)
	}
	if cfg.Server.Addr != ":8090" || cfg.Server.Path != "/v1/stream" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected log defaults %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "sekret")
	t.Setenv("TEST_MODEL_DIR", "/models")
	path := writeConfig(t, strings.Join([]string{
		"engine:",
		"  provider: deepgram",
		"  settings:",
		"    api_key: ${TEST_DG_KEY}",
		"models:",
		"  base: ${TEST_MODEL_DIR}/ggml-base.bin",
		"  languages:",
		"    ko: ${TEST_MODEL_DIR}/ko.bin",
		"",
	}, "\n"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Engine.Settings["api_key"]; got != "sekret" {
		t.Fatalf("api_key = %v", got)
	}
	if cfg.Models.Base != "/models/ggml-base.bin" {
		t.Fatalf("base = %q", cfg.Models.Base)
	}
	if cfg.Models.Languages["ko"] != "/models/ko.bin" {
		t.Fatalf("ko path = %q", cfg.Models.Languages["ko"])
	}
}

func TestLoadConfigRejectsOverlapNotSmallerThanWindow(t *testing.T) {
	path := writeConfig(t, "audio:\n  window_ms: 300\n  overlap_ms: 300\n")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "overlap_ms") {
		t.Fatalf("expected overlap validation error, got %v", err)
	}
}

func TestLoadConfigRejectsNegativeQueueBound(t *testing.T) {
	path := writeConfig(t, "queue:\n  max_pending_windows: -4\n")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "max_pending_windows") {
		t.Fatalf("expected queue validation error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestNewFromConfigRunsStubEngine(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ggml-base.bin")
	writeFile(t, filepath.Join(dir, "ggml-base.en.bin"), "model bytes")

	path := writeConfig(t, strings.Join([]string{
		"engine:",
		"  provider: stub",
		"models:",
		"  base: " + base,
		"  default_language: en",
		"log_format: text",
		"",
	}, "\n"))
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rl := &resultLog{}
	tr, err := NewFromConfig(cfg, rl.cb, nil)
	if err != nil {
		t.Fatalf("build from config: %v", err)
	}
	defer tr.Close()

	tr.Start(make([]float32, 4800))
	tr.End(nil)
	res := waitResults(t, rl, 2)
	if res[0].Kind != KindPartial || !strings.Contains(res[0].Text, "[stub:en]") {
		t.Fatalf("unexpected partial %+v", res[0])
	}
	if res[1].Kind != KindFinal {
		t.Fatalf("unexpected final %+v", res[1])
	}
}
