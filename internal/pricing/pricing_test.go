package pricing_test

import (
	"testing"

	"github.com/basket/skillmeter/internal/pricing"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	// 1M input at $3.00 plus 1M output at $15.00.
	got := pricing.EstimateCost("claude-sonnet-4-5", 1_000_000, 1_000_000)
	if got != 18.00 {
		t.Fatalf("expected 18.00, got %v", got)
	}

	got = pricing.EstimateCost("gpt-4o-mini", 2_000_000, 0)
	if got != 0.30 {
		t.Fatalf("expected 0.30, got %v", got)
	}
}

func TestEstimateCost_UnknownModelIsZero(t *testing.T) {
	if got := pricing.EstimateCost("some-future-model", 1_000_000, 1_000_000); got != 0 {
		t.Fatalf("unknown model must cost 0, got %v", got)
	}
}

func TestEstimateCost_ZeroTokens(t *testing.T) {
	if got := pricing.EstimateCost("gpt-4o", 0, 0); got != 0 {
		t.Fatalf("zero tokens must cost 0, got %v", got)
	}
}

func TestKnown(t *testing.T) {
	if !pricing.Known("gemini-2.5-flash") {
		t.Fatal("expected gemini-2.5-flash to be known")
	}
	if pricing.Known("nonexistent") {
		t.Fatal("expected nonexistent to be unknown")
	}
}
