package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smohantty/whisper-asr/pkg/asr"
	"github.com/smohantty/whisper-asr/pkg/logging"
	"github.com/smohantty/whisper-asr/pkg/metrics"
	"github.com/smohantty/whisper-asr/pkg/models"
	"github.com/smohantty/whisper-asr/pkg/redact"
	"github.com/smohantty/whisper-asr/pkg/runner"
	"github.com/smohantty/whisper-asr/pkg/transport/ws"

	_ "github.com/smohantty/whisper-asr/pkg/engine/deepgram"
	_ "github.com/smohantty/whisper-asr/pkg/engine/whispercpp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := asr.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	slog.SetDefault(logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat))
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)

	obs, closeObs := buildObserver(cfg)

	factory := func(cb asr.Callback) (ws.Stream, error) {
		tr, err := asr.NewFromConfig(cfg, cb, obs)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	transport := ws.New(ws.Config{
		Addr:           cfg.Server.Addr,
		StreamPath:     cfg.Server.Path,
		SampleRate:     cfg.Audio.SampleRate,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, factory, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Models.Watch {
		startModelWatcher(ctx, cfg)
	}

	run := runner.NewLifecycleRunner(transportDrainer{transport}, runner.Hooks{
		OnStart: func() error {
			slog.Info("daemon_starting",
				"environment", cfg.Environment,
				"provider", cfg.Engine.Provider,
				"language", cfg.Models.DefaultLanguage,
				"addr", cfg.Server.Addr,
			)
			return transport.Start(ctx)
		},
		OnStop: func() {
			closeObs()
			slog.Info("daemon_stopped")
		},
	}, time.Duration(cfg.Server.DrainTimeoutMS)*time.Millisecond)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown_signal_received")
		cancel()
	}()

	if err := run.Run(ctx); err != nil {
		slog.Error("shutdown_error", "error", err.Error())
		os.Exit(1)
	}
}

// transportDrainer lets the lifecycle runner drain the websocket transport:
// stop accepting connections, then close the active sessions.
type transportDrainer struct {
	t *ws.Transport
}

func (d transportDrainer) Drain() error { return d.t.Stop() }

// buildObserver wires the metrics sink the config asks for: a JSONL file
// behind sampling and an async buffer, or a noop sink when unconfigured.
func buildObserver(cfg asr.Config) (metrics.Observer, func()) {
	if cfg.Observability.MetricsPath == "" {
		return metrics.NoopObserver{}, func() {}
	}
	f, err := os.OpenFile(cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("metrics_file_unavailable", "path", cfg.Observability.MetricsPath, "error", err.Error())
		return metrics.NoopObserver{}, func() {}
	}
	var obs metrics.Observer = metrics.NewJSONLObserver(f)
	if cfg.Observability.SampleRate > 0 && cfg.Observability.SampleRate < 1 {
		obs = metrics.NewSamplingObserver(obs, cfg.Observability.SampleRate)
	}
	async := metrics.NewAsyncObserver(obs, cfg.Observability.Buffer)
	return async, func() {
		async.Close()
		_ = f.Close()
	}
}

// startModelWatcher logs availability transitions for every configured
// language so operators can see models appear after a download finishes.
func startModelWatcher(ctx context.Context, cfg asr.Config) {
	catalog, err := asr.CatalogFromConfig(cfg)
	if err != nil || catalog == nil {
		if err != nil {
			slog.Warn("model_watch_unavailable", "error", err.Error())
		}
		return
	}
	langs := catalog.Languages()
	def := models.Normalize(cfg.Models.DefaultLanguage)
	found := false
	for _, l := range langs {
		if l == def {
			found = true
			break
		}
	}
	if !found && def != "" {
		langs = append(langs, def)
	}
	w := models.NewWatcher(catalog, langs, slog.Default(), nil)
	go func() {
		if err := w.Watch(ctx.Done()); err != nil {
			slog.Warn("model_watch_failed", "error", err.Error())
		}
	}()
}
