package asr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smohantty/whisper-asr/pkg/audio"
	"github.com/smohantty/whisper-asr/pkg/chunker"
	"github.com/smohantty/whisper-asr/pkg/continuity"
	"github.com/smohantty/whisper-asr/pkg/engine"
	"github.com/smohantty/whisper-asr/pkg/errorsx"
	"github.com/smohantty/whisper-asr/pkg/logging"
	"github.com/smohantty/whisper-asr/pkg/metrics"
	"github.com/smohantty/whisper-asr/pkg/models"
)

// Builder assembles a Transcriber. A callback is mandatory; everything else
// defaults to 16 kHz mono speech with 300 ms windows and 200 ms overlap.
// Build loads the initial model eagerly: when that fails no transcriber and
// no worker exist.
type Builder struct {
	callback   Callback
	log        *slog.Logger
	obs        metrics.Observer
	catalog    *models.Catalog
	basePath   string
	modelPaths map[models.Language]string
	manifest   string
	language   models.Language
	engineName string
	registry   *engine.Registry
	loader     engine.LoadFunc

	sampleRate      int
	windowDur       time.Duration
	overlapDur      time.Duration
	overlapSet      bool
	maxPromptTokens int
	maxPending      int
	threads         int
	translate       bool
	settings        map[string]any
}

func NewBuilder() *Builder {
	return &Builder{
		language:   models.LanguageEnglish,
		engineName: "whispercpp",
		sampleRate: audio.DefaultSampleRate,
	}
}

// Callback sets the result sink. Required.
func (b *Builder) Callback(cb Callback) *Builder { b.callback = cb; return b }

func (b *Builder) Logger(log *slog.Logger) *Builder { b.log = log; return b }

func (b *Builder) Observer(obs metrics.Observer) *Builder { b.obs = obs; return b }

// BaseModelPath enables the suffix convention: the stem of path gets
// ".en.bin" for English and ".bin" for everything else.
func (b *Builder) BaseModelPath(path string) *Builder { b.basePath = path; return b }

// ModelForLanguage pins an explicit model file for one language. Explicit
// entries win over the base path convention.
func (b *Builder) ModelForLanguage(lang models.Language, path string) *Builder {
	if b.modelPaths == nil {
		b.modelPaths = make(map[models.Language]string)
	}
	b.modelPaths[models.Normalize(string(lang))] = path
	return b
}

// ManifestFile loads base path and per-language entries from a YAML
// manifest at Build time.
func (b *Builder) ManifestFile(path string) *Builder { b.manifest = path; return b }

// Catalog supplies a pre-built catalog, overriding BaseModelPath,
// ModelForLanguage, and ManifestFile.
func (b *Builder) Catalog(c *models.Catalog) *Builder { b.catalog = c; return b }

func (b *Builder) InitialLanguage(lang models.Language) *Builder {
	b.language = models.Normalize(string(lang))
	return b
}

// EngineName picks a registered engine loader; defaults to "whispercpp".
func (b *Builder) EngineName(name string) *Builder { b.engineName = name; return b }

// Registry sets the registry EngineName resolves against.
func (b *Builder) Registry(r *engine.Registry) *Builder { b.registry = r; return b }

// EngineLoader bypasses the registry with a direct loader.
func (b *Builder) EngineLoader(fn engine.LoadFunc) *Builder { b.loader = fn; return b }

func (b *Builder) SampleRate(rate int) *Builder { b.sampleRate = rate; return b }

func (b *Builder) WindowDuration(d time.Duration) *Builder { b.windowDur = d; return b }

// OverlapDuration sets how much trailing audio is replayed in front of the
// next window. Zero disables overlap.
func (b *Builder) OverlapDuration(d time.Duration) *Builder {
	b.overlapDur = d
	b.overlapSet = true
	return b
}

func (b *Builder) MaxPromptTokens(n int) *Builder { b.maxPromptTokens = n; return b }

// MaxPendingWindows bounds the work queue; zero keeps it unbounded. When
// the bound is hit the oldest continue windows are shed.
func (b *Builder) MaxPendingWindows(n int) *Builder { b.maxPending = n; return b }

func (b *Builder) Threads(n int) *Builder { b.threads = n; return b }

func (b *Builder) Translate(v bool) *Builder { b.translate = v; return b }

// EngineSettings passes provider-specific options through to the engine.
func (b *Builder) EngineSettings(s map[string]any) *Builder { b.settings = s; return b }

func (b *Builder) buildCatalog() (*models.Catalog, error) {
	if b.catalog != nil {
		return b.catalog, nil
	}
	if b.basePath == "" && len(b.modelPaths) == 0 && b.manifest == "" {
		return nil, nil
	}
	var catalog *models.Catalog
	if b.manifest != "" {
		loaded, err := models.LoadManifest(b.manifest)
		if err != nil {
			return nil, err
		}
		catalog = loaded
		if b.basePath != "" && b.basePath != catalog.Base() {
			// A base path set on the builder wins over the manifest's.
			rebuilt := models.NewCatalog(b.basePath)
			for _, lang := range catalog.Languages() {
				if path, err := catalog.Resolve(lang); err == nil {
					rebuilt.SetPath(lang, path)
				}
			}
			catalog = rebuilt
		}
	} else {
		catalog = models.NewCatalog(b.basePath)
	}
	for lang, path := range b.modelPaths {
		catalog.SetPath(lang, path)
	}
	return catalog, nil
}

func (b *Builder) Build() (*Transcriber, error) {
	if b.callback == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "callback is required")
	}
	lang := b.language
	if lang == "" {
		lang = models.LanguageEnglish
	}
	log := b.log
	if log == nil {
		log = logging.NewComponentLogger(slog.Default(), "transcriber")
	}
	var obs metrics.Observer = b.obs
	if obs == nil {
		obs = metrics.NoopObserver{}
	}

	catalog, err := b.buildCatalog()
	if err != nil {
		return nil, err
	}

	sampleRate := b.sampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	windowSamples := chunker.DefaultWindowSamples
	if b.windowDur > 0 {
		windowSamples = audio.SamplesFor(b.windowDur, sampleRate)
	}
	overlapSamples := continuity.DefaultOverlapSamples
	if b.overlapSet {
		overlapSamples = audio.SamplesFor(b.overlapDur, sampleRate)
	}

	loader := b.loader
	if loader == nil {
		name := b.engineName
		if name == "" {
			name = "whispercpp"
		}
		reg := b.registry
		if reg == nil {
			reg = engine.Default
		}
		loader = func(cfg engine.Config) (engine.Engine, error) {
			return reg.Load(name, cfg)
		}
	}

	t := &Transcriber{
		callback: b.callback,
		log:      log,
		obs:      obs,
		catalog:  catalog,
		loader:   loader,
		engCfg: engine.Config{
			SampleRate: sampleRate,
			Threads:    b.threads,
			Translate:  b.translate,
			Settings:   b.settings,
		},
		maxPending: b.maxPending,
		acc:        chunker.New(windowSamples),
		tracker:    continuity.NewTracker(overlapSamples, b.maxPromptTokens),
	}
	t.cond = sync.NewCond(&t.mu)

	eng, err := t.loadEngine(lang)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.eng = eng
	t.language = lang
	t.startWorkerLocked()
	t.mu.Unlock()

	log.Info("transcriber_ready",
		"language", string(lang),
		"window_samples", windowSamples,
		"overlap_samples", overlapSamples,
		"sample_rate", sampleRate,
		"max_pending_windows", b.maxPending,
	)
	return t, nil
}
