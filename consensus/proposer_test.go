package consensus

import "testing"

func TestSelectProposerDeterministic(t *testing.T) {
	validators := map[string]uint64{"A": 100, "B": 100, "C": 100}

	first := selectProposer(validators, "deadbeef", 0)
	second := selectProposer(validators, "deadbeef", 0)
	if first != second {
		t.Fatalf("selectProposer not deterministic: %q vs %q", first, second)
	}
	if first == "" {
		t.Fatal("expected a non-empty proposer for a non-empty validator set")
	}
}

func TestSelectProposerRoundChangesSeed(t *testing.T) {
	validators := map[string]uint64{"A": 100, "B": 100, "C": 100}

	round0 := selectProposer(validators, "deadbeef", 0)
	round1 := selectProposer(validators, "deadbeef", 1)
	if round0 != "B" {
		t.Fatalf("round 0 proposer = %q, want B (seed deadbeef0 draws r in [1/3, 2/3))", round0)
	}
	if round1 != "C" {
		t.Fatalf("round 1 proposer = %q, want C (seed deadbeef1 draws r in [2/3, 1))", round1)
	}
}

func TestSelectProposerEmptyValidatorSet(t *testing.T) {
	if got := selectProposer(map[string]uint64{}, "deadbeef", 0); got != "" {
		t.Fatalf("expected no proposer for an empty validator set, got %q", got)
	}
}

func TestSelectProposerSingleValidator(t *testing.T) {
	validators := map[string]uint64{"only": 42}
	if got := selectProposer(validators, "deadbeef", 0); got != "only" {
		t.Fatalf("expected the sole validator to be selected, got %q", got)
	}
}

func TestSelectProposerWeightedBoundary(t *testing.T) {
	// With a heavily skewed two-validator set, whichever address the draw
	// picks must be one of the validators.
	validators := map[string]uint64{"whale": 1_000_000, "minnow": 1}
	got := selectProposer(validators, "some-seed-block-hash", 7)
	if got != "whale" && got != "minnow" {
		t.Fatalf("selectProposer returned an address outside the validator set: %q", got)
	}
}
