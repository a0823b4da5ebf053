package models

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smohantty/whisper-asr/pkg/errorsx"
)

// Manifest is the on-disk model catalog format:
//
//	base: /models/ggml-small.bin
//	languages:
//	  en: /models/ggml-small.en.bin
//	  ko: /models/ggml-small.bin
type Manifest struct {
	Base      string            `yaml:"base"`
	Languages map[string]string `yaml:"languages"`
}

// LoadManifest reads a YAML manifest into a Catalog.
func LoadManifest(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonManifestInvalid)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest bytes into a Catalog.
func ParseManifest(data []byte) (*Catalog, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonManifestInvalid)
	}
	if m.Base == "" && len(m.Languages) == 0 {
		return nil, errorsx.New(errorsx.ReasonManifestInvalid,
			"manifest configures neither a base path nor language entries")
	}
	cat := NewCatalog(m.Base)
	for lang, path := range m.Languages {
		if path == "" {
			return nil, errorsx.Errorf(errorsx.ReasonManifestInvalid,
				"manifest entry for language %q has an empty path", lang)
		}
		cat.SetPath(Normalize(lang), path)
	}
	return cat, nil
}
