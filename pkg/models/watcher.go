package models

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the directories holding catalog model files and reports
// availability transitions (a model appearing after download, or vanishing).
type Watcher struct {
	catalog  *Catalog
	langs    []Language
	log      *slog.Logger
	onChange func(lang Language, available bool)
	known    map[Language]bool
}

// NewWatcher tracks availability of the given languages. onChange fires once
// per transition; it may be nil when only logging is wanted.
func NewWatcher(catalog *Catalog, langs []Language, logger *slog.Logger, onChange func(Language, bool)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		catalog:  catalog,
		langs:    langs,
		log:      logger,
		onChange: onChange,
		known:    make(map[Language]bool, len(langs)),
	}
	for _, lang := range langs {
		w.known[lang] = catalog.Available(lang)
	}
	return w
}

// Watch blocks until done closes, re-checking availability whenever the
// model directories change.
func (w *Watcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range w.dirs() {
		if err := watcher.Add(dir); err != nil {
			w.log.Warn("model_dir_watch_failed", "dir", dir, "error", err.Error())
		}
	}

	for {
		select {
		case <-done:
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.recheck()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("model_watch_error", "error", err.Error())
		}
	}
}

func (w *Watcher) dirs() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if path == "" {
			return
		}
		dir := filepath.Dir(path)
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	for _, lang := range w.langs {
		if path, err := w.catalog.Resolve(lang); err == nil {
			add(path)
		}
	}
	return out
}

func (w *Watcher) recheck() {
	for _, lang := range w.langs {
		now := w.catalog.Available(lang)
		if now == w.known[lang] {
			continue
		}
		w.known[lang] = now
		w.log.Info("model_availability_changed", "language", string(lang), "available", now)
		if w.onChange != nil {
			w.onChange(lang, now)
		}
	}
}
