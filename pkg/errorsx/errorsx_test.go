package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonModelNotFound)
	if Reason(err) != ReasonModelNotFound {
		t.Fatalf("expected reason %s, got %s", ReasonModelNotFound, Reason(err))
	}
	if !HasReason(err, ReasonModelNotFound) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonEngineInit)
	second := Wrap(first, ReasonInference)
	if Reason(second) != ReasonEngineInit {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewAndErrorf(t *testing.T) {
	err := New(ReasonConfigInvalid, "callback is required")
	if Reason(err) != ReasonConfigInvalid {
		t.Fatalf("expected config_invalid, got %s", Reason(err))
	}
	if err.Error() != "callback is required" {
		t.Fatalf("unexpected message: %q", err.Error())
	}

	err = Errorf(ReasonInference, "chunk %d: %w", 3, assertErr{})
	if !HasReason(err, ReasonInference) {
		t.Fatalf("expected inference reason")
	}
	var inner assertErr
	if !errors.As(err, &inner) {
		t.Fatalf("expected wrapped cause to survive %%w")
	}
}

func TestReasonSurvivesOuterWrapping(t *testing.T) {
	err := fmt.Errorf("load %q: %w", "ggml-small.en.bin", New(ReasonModelNotFound, "no such file"))
	if Reason(err) != ReasonModelNotFound {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
