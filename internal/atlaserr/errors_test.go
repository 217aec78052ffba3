package atlaserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(KindTransient, "tier.upsert", errors.New("connection reset"))
	wrapped := fmt.Errorf("chunk 42: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("KindOf = %v, want transient", got)
	}
	if !IsTransient(wrapped) {
		t.Fatal("IsTransient should see through wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("KindOf plain error = %v, want internal", got)
	}
}

func TestCapabilityUnavailable(t *testing.T) {
	err := CapabilityUnavailable("text-reranking")
	if KindOf(err) != KindCapabilityUnavailable {
		t.Fatalf("wrong kind: %v", KindOf(err))
	}
	want := `backend.resolve: no backend available for capability "text-reranking"`
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:            "validation",
		KindTransient:             "transient",
		KindCapabilityUnavailable: "capability_unavailable",
		KindDivergence:            "divergence",
		KindCorruption:            "corruption",
		KindCancelled:             "cancelled",
		KindFatalInit:             "fatal_init",
		KindInternal:              "internal",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
