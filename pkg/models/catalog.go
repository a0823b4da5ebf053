// Package models resolves languages to whisper model files and tracks their
// on-disk availability.
package models

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/smohantty/whisper-asr/pkg/errorsx"
)

// Language is a BCP-47-ish lowercase language code ("en", "ko", ...).
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageKorean  Language = "ko"
)

// Normalize lowercases and trims a caller-supplied language code.
func Normalize(lang string) Language {
	return Language(strings.ToLower(strings.TrimSpace(lang)))
}

// Catalog maps languages to model file paths. Explicit entries win; languages
// without one derive a path from the base model path: English appends ".en"
// before the ".bin" extension, every other language uses the plain ".bin"
// file. That mirrors how whisper.cpp distributes its model files (an
// English-only variant next to the multilingual one), it is not a general
// naming scheme.
type Catalog struct {
	base  string
	paths map[Language]string
}

// NewCatalog builds a catalog around an optional base model path.
func NewCatalog(basePath string) *Catalog {
	return &Catalog{
		base:  strings.TrimSpace(basePath),
		paths: make(map[Language]string),
	}
}

// SetPath pins an explicit model file for a language.
func (c *Catalog) SetPath(lang Language, path string) {
	c.paths[Normalize(string(lang))] = path
}

// HasBase reports whether derivation from a base path is available.
func (c *Catalog) HasBase() bool { return c.base != "" }

// Base returns the base model path, empty when none is set.
func (c *Catalog) Base() string { return c.base }

// Languages lists the explicitly configured languages, sorted.
func (c *Catalog) Languages() []Language {
	out := make([]Language, 0, len(c.paths))
	for lang := range c.paths {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the model path for a language without touching the disk.
func (c *Catalog) Resolve(lang Language) (string, error) {
	lang = Normalize(string(lang))
	if lang == "" {
		return "", errorsx.New(errorsx.ReasonConfigInvalid, "language is empty")
	}
	if path, ok := c.paths[lang]; ok {
		return path, nil
	}
	if c.base == "" {
		return "", errorsx.Errorf(errorsx.ReasonModelNotFound,
			"no model configured for language %q and no base model path set", lang)
	}
	stem := strings.TrimSuffix(c.base, ".bin")
	if lang == LanguageEnglish {
		return stem + ".en.bin", nil
	}
	return stem + ".bin", nil
}

// Locate resolves a language and verifies the model file exists.
func (c *Catalog) Locate(lang Language) (string, error) {
	path, err := c.Resolve(lang)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("model file for language %q: %w", lang, err),
			errorsx.ReasonModelNotFound)
	}
	if info.IsDir() {
		return "", errorsx.Errorf(errorsx.ReasonModelNotFound,
			"model path %q for language %q is a directory", path, lang)
	}
	return path, nil
}

// Available reports whether the language currently resolves to an existing
// model file.
func (c *Catalog) Available(lang Language) bool {
	_, err := c.Locate(lang)
	return err == nil
}
