package types

import "testing"

func TestComputeQuality_BaseScoreWithNoFactors(t *testing.T) {
	d := &Dialogue{}
	if got := d.ComputeQuality(); got != 0.5 {
		t.Fatalf("want 0.5, got %v", got)
	}
}

func TestComputeQuality_CapsContentLengthFactorAtPointOne(t *testing.T) {
	d := &Dialogue{Content: string(make([]byte, 500))}
	if got := d.ComputeQuality(); got != 0.6 {
		t.Fatalf("want 0.6, got %v", got)
	}
}

func TestComputeQuality_TwoPartyDialogueWithManyExchangesScoresNonZero(t *testing.T) {
	d := &Dialogue{Participants: []string{"a1", "a2"}, Exchanges: 6}
	if got := d.ComputeQuality(); got != 0.6 {
		t.Fatalf("want 0.6, got %v", got)
	}
}

func TestComputeQuality_AllFactorsCapAtPointNine(t *testing.T) {
	d := &Dialogue{
		Content:            string(make([]byte, 500)),
		Outcome:             "a rather long and detailed outcome line",
		RelationshipImpact:  map[string]float64{"a2": 0.1},
		Exchanges:           4,
	}
	if got := d.ComputeQuality(); got != 0.9 {
		t.Fatalf("want 0.9, got %v", got)
	}
}
