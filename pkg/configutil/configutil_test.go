package configutil

import (
	"errors"
	"strings"
	"testing"
)

type engineSettings struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	SampleRate    int    `mapstructure:"sample_rate"`
	InterimOutput *bool  `mapstructure:"interim_output"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	in := map[string]any{
		"API-Key":     "dg_secret",
		"model":       "nova-2",
		"sample_rate": "16000",
	}
	var out engineSettings
	if err := DecodeSettings(in, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "dg_secret" {
		t.Fatalf("expected api key decoded across key styles, got %q", out.APIKey)
	}
	if out.SampleRate != 16000 {
		t.Fatalf("expected weakly typed int, got %d", out.SampleRate)
	}
	if BoolValue(out.InterimOutput, true) != true {
		t.Fatalf("expected fallback for unset bool")
	}
}

func TestDecodeSettingsEmptyInputIsNoop(t *testing.T) {
	var out engineSettings
	out.Model = "keep"
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "keep" {
		t.Fatalf("nil input must not touch the struct")
	}
}

func TestValidateSettings(t *testing.T) {
	schema := Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "sample_rate"},
	}

	err := ValidateSettings(map[string]any{"model": "nova-2"}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}

	err = ValidateSettings(map[string]any{"api_key": "x", "tier": "base"}, schema)
	if err == nil || !strings.Contains(err.Error(), "unknown: tier") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	var serr *SchemaError
	if !errors.As(err, &serr) || len(serr.Unknown) != 1 {
		t.Fatalf("expected a SchemaError carrying the unknown key, got %#v", err)
	}

	err = ValidateSettings(map[string]any{"API_KEY": "x", "Sample-Rate": 16000}, schema)
	if err != nil {
		t.Fatalf("expected normalized keys to validate, got %v", err)
	}

	err = ValidateSettings(map[string]any{"api_key": "  "}, schema)
	if err == nil {
		t.Fatalf("blank required value must fail")
	}
}
