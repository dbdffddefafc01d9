package practice

import (
	"errors"
	"reflect"
	"testing"
)

func TestSummarize_RoundsMeanRating(t *testing.T) {
	turns := []Turn{
		{Rating: 80, Fixes: []string{"x"}},
		{Rating: 90, Fixes: []string{"x"}},
		{Rating: 95, Fixes: []string{"x"}},
	}
	got := Summarize("goal", turns)
	if got.AverageRating != 88 {
		t.Fatalf("average = %d, want 88", got.AverageRating)
	}
	if got.TurnCount != 3 {
		t.Fatalf("turn count = %d, want 3", got.TurnCount)
	}
}

func TestSummarize_FixesUnionKeepsFirstSeenOrder(t *testing.T) {
	turns := []Turn{
		{Rating: 50, Fixes: []string{"a", "b"}},
		{Rating: 50, Fixes: []string{"b", "c"}},
	}
	got := Summarize("goal", turns)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got.Fixes, want) {
		t.Fatalf("fixes = %v, want %v", got.Fixes, want)
	}
}

func TestSummarize_HalfRoundsUp(t *testing.T) {
	got := Summarize("", []Turn{{Rating: 1, Fixes: []string{"a"}}, {Rating: 2, Fixes: []string{"a"}}})
	if got.AverageRating != 2 {
		t.Fatalf("average = %d, want 2", got.AverageRating)
	}
}

func TestParseTier(t *testing.T) {
	tests := map[string]Tier{
		"tier1":    Tier1,
		" TIER2 ":  Tier2,
		"tier3":    Tier3,
		"":         TierNone,
		"platinum": TierNone,
	}
	for in, want := range tests {
		if got := ParseTier(in); got != want {
			t.Fatalf("ParseTier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEffectiveGoal_CustomWins(t *testing.T) {
	if got := EffectiveGoal("romantic", "  pitch my startup "); got != "pitch my startup" {
		t.Fatalf("goal = %q", got)
	}
	if got := EffectiveGoal("romantic", ""); got != "romantic" {
		t.Fatalf("goal = %q", got)
	}
}

func TestDecodeTurn(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind ErrorKind
	}{
		{name: "valid", body: `{"transcript":"hi","response":"nice","rating":72,"fixes":["slow down"]}`},
		{name: "empty transcript allowed", body: `{"transcript":"","response":"nice","rating":1,"fixes":["a"]}`},
		{name: "integral float accepted", body: `{"transcript":"","response":"r","rating":40.0,"fixes":["a"]}`},
		{name: "fractional rating", body: `{"transcript":"","response":"r","rating":40.5,"fixes":["a"]}`, wantKind: KindMalformedAnalysis},
		{name: "rating too high", body: `{"transcript":"","response":"r","rating":101,"fixes":["a"]}`, wantKind: KindMalformedAnalysis},
		{name: "rating zero", body: `{"transcript":"","response":"r","rating":0,"fixes":["a"]}`, wantKind: KindMalformedAnalysis},
		{name: "missing rating", body: `{"transcript":"","response":"r","fixes":["a"]}`, wantKind: KindMalformedAnalysis},
		{name: "empty fixes", body: `{"transcript":"","response":"r","rating":5,"fixes":[]}`, wantKind: KindMalformedAnalysis},
		{name: "fixes not strings", body: `{"transcript":"","response":"r","rating":5,"fixes":[1,2]}`, wantKind: KindMalformedAnalysis},
		{name: "missing transcript", body: `{"response":"r","rating":5,"fixes":["a"]}`, wantKind: KindMalformedAnalysis},
		{name: "not json", body: `nope`, wantKind: KindMalformedAnalysis},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeTurn([]byte(tc.body), true)
			if tc.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := KindOf(err); got != tc.wantKind {
				t.Fatalf("kind = %q, want %q (err=%v)", got, tc.wantKind, err)
			}
		})
	}
}

func TestAnalysisFailed_KeepsCauseKind(t *testing.T) {
	cause := ServiceError("boom", nil)
	err := AnalysisFailed(cause)
	if err.Kind != KindAnalysisFailed {
		t.Fatalf("kind = %q", err.Kind)
	}
	var inner *Error
	if !errors.As(err.Err, &inner) || inner.Kind != KindServiceError {
		t.Fatalf("cause kind lost: %#v", err.Err)
	}
	if !errors.Is(err, &Error{Kind: KindServiceError}) {
		t.Fatal("errors.Is should match the wrapped service error")
	}
}
