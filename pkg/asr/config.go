package asr

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/smohantty/whisper-asr/pkg/configutil"
	"github.com/smohantty/whisper-asr/pkg/metrics"
	"github.com/smohantty/whisper-asr/pkg/models"
)

type Config struct {
	Engine        EngineConfig        `mapstructure:"engine"`
	Models        ModelsConfig        `mapstructure:"models"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type EngineConfig struct {
	Provider  string         `mapstructure:"provider"`
	Threads   int            `mapstructure:"threads"`
	Translate bool           `mapstructure:"translate"`
	Settings  map[string]any `mapstructure:"settings"`
}

type ModelsConfig struct {
	Base            string            `mapstructure:"base"`
	Languages       map[string]string `mapstructure:"languages"`
	Manifest        string            `mapstructure:"manifest"`
	DefaultLanguage string            `mapstructure:"default_language"`
	Watch           bool              `mapstructure:"watch"`
}

type AudioConfig struct {
	SampleRate      int `mapstructure:"sample_rate"`
	WindowMS        int `mapstructure:"window_ms"`
	OverlapMS       int `mapstructure:"overlap_ms"`
	MaxPromptTokens int `mapstructure:"max_prompt_tokens"`
}

type QueueConfig struct {
	MaxPendingWindows int `mapstructure:"max_pending_windows"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ObservabilityConfig struct {
	MetricsPath string  `mapstructure:"metrics_path"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Buffer      int     `mapstructure:"buffer"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("engine.provider", "whispercpp")
	v.SetDefault("engine.threads", 0)
	v.SetDefault("engine.translate", false)
	v.SetDefault("models.default_language", "en")
	v.SetDefault("models.watch", false)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.window_ms", 300)
	v.SetDefault("audio.overlap_ms", 200)
	v.SetDefault("audio.max_prompt_tokens", 224)
	v.SetDefault("queue.max_pending_windows", 0)
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.path", "/v1/stream")
	v.SetDefault("server.drain_timeout_ms", 5000)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.buffer", 1024)
	v.SetDefault("privacy.redact_transcripts", false)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.Models.Base = os.ExpandEnv(cfg.Models.Base)
	cfg.Models.Manifest = os.ExpandEnv(cfg.Models.Manifest)
	for lang, p := range cfg.Models.Languages {
		cfg.Models.Languages[lang] = os.ExpandEnv(p)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Engine.Provider, "engine.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Models.DefaultLanguage, "models.default_language"); err != nil {
		return err
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.WindowMS <= 0 {
		return fmt.Errorf("audio.window_ms must be positive")
	}
	if c.Audio.OverlapMS < 0 || c.Audio.OverlapMS >= c.Audio.WindowMS {
		return fmt.Errorf("audio.overlap_ms must be within [0, window_ms)")
	}
	if c.Queue.MaxPendingWindows < 0 {
		return fmt.Errorf("queue.max_pending_windows must not be negative")
	}
	return nil
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

// CatalogFromConfig assembles the model catalog a Config describes. It
// returns nil when the config names no models, which is how remote engines
// run.
func CatalogFromConfig(cfg Config) (*models.Catalog, error) {
	b := NewBuilder()
	if cfg.Models.Base != "" {
		b.BaseModelPath(cfg.Models.Base)
	}
	for lang, path := range cfg.Models.Languages {
		b.ModelForLanguage(models.Language(lang), path)
	}
	if cfg.Models.Manifest != "" {
		b.ManifestFile(cfg.Models.Manifest)
	}
	return b.buildCatalog()
}

// NewFromConfig wires a file-level Config into a Builder and builds the
// transcriber. The callback still comes from the caller; obs may be nil.
func NewFromConfig(cfg Config, cb Callback, obs metrics.Observer) (*Transcriber, error) {
	b := NewBuilder().
		Callback(cb).
		Observer(obs).
		EngineName(cfg.Engine.Provider).
		EngineSettings(cfg.Engine.Settings).
		Threads(cfg.Engine.Threads).
		Translate(cfg.Engine.Translate).
		InitialLanguage(models.Language(cfg.Models.DefaultLanguage)).
		SampleRate(cfg.Audio.SampleRate).
		WindowDuration(time.Duration(cfg.Audio.WindowMS) * time.Millisecond).
		OverlapDuration(time.Duration(cfg.Audio.OverlapMS) * time.Millisecond).
		MaxPromptTokens(cfg.Audio.MaxPromptTokens).
		MaxPendingWindows(cfg.Queue.MaxPendingWindows)

	if cfg.Models.Base != "" {
		b.BaseModelPath(cfg.Models.Base)
	}
	for lang, path := range cfg.Models.Languages {
		b.ModelForLanguage(models.Language(lang), path)
	}
	if cfg.Models.Manifest != "" {
		b.ManifestFile(cfg.Models.Manifest)
	}
	return b.Build()
}
