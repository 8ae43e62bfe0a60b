package match

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		candidates []Candidate
		wantScore  float64
		wantPO     string
		verdict    Verdict
	}{
		{
			name:       "exact match",
			amount:     15000,
			candidates: []Candidate{{ID: "PO-1", Total: 15000}},
			wantScore:  1.0,
			wantPO:     "PO-1",
			verdict:    VerdictMatched,
		},
		{
			name:      "no candidates",
			amount:    75000,
			wantScore: 0,
			verdict:   VerdictFailed,
		},
		{
			name:       "zero po total",
			amount:     100,
			candidates: []Candidate{{ID: "PO-0", Total: 0}},
			wantScore:  0,
			wantPO:     "PO-0",
			verdict:    VerdictFailed,
		},
		{
			name:       "inside tolerance",
			amount:     102,
			candidates: []Candidate{{ID: "PO-1", Total: 100}},
			wantScore:  0.96,
			wantPO:     "PO-1",
			verdict:    VerdictMatched,
		},
		{
			name:       "tolerance boundary",
			amount:     105,
			candidates: []Candidate{{ID: "PO-1", Total: 100}},
			wantScore:  0.90,
			wantPO:     "PO-1",
			verdict:    VerdictMatched,
		},
		{
			name:       "outside tolerance",
			amount:     108,
			candidates: []Candidate{{ID: "PO-1", Total: 100}},
			wantScore:  0.92,
			wantPO:     "PO-1",
			verdict:    VerdictMatched,
		},
		{
			name:       "far outside tolerance",
			amount:     130,
			candidates: []Candidate{{ID: "PO-1", Total: 100}},
			wantScore:  0.70,
			wantPO:     "PO-1",
			verdict:    VerdictFailed,
		},
		{
			name:       "difference beyond 100 percent clamps to zero",
			amount:     500,
			candidates: []Candidate{{ID: "PO-1", Total: 100}},
			wantScore:  0,
			wantPO:     "PO-1",
			verdict:    VerdictFailed,
		},
		{
			name:   "closest candidate selected",
			amount: 1010,
			candidates: []Candidate{
				{ID: "PO-far", Total: 400},
				{ID: "PO-near", Total: 1000},
				{ID: "PO-over", Total: 1200},
			},
			wantScore: 0.98,
			wantPO:    "PO-near",
			verdict:   VerdictMatched,
		},
		{
			name:   "tie goes to earliest candidate",
			amount: 1000,
			candidates: []Candidate{
				{ID: "PO-under", Total: 980},
				{ID: "PO-over", Total: 1020},
			},
			wantPO:  "PO-under",
			verdict: VerdictMatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Score(tt.amount, tt.candidates, DefaultOptions())
			require.Equal(t, tt.verdict, ev.Verdict)
			require.Equal(t, tt.wantPO, ev.POID)
			require.Equal(t, len(tt.candidates), ev.Candidates)
			if tt.wantScore != 0 || tt.verdict == VerdictFailed {
				require.InDelta(t, tt.wantScore, ev.Score, 1e-9)
			}
		})
	}
}

func TestScoreDefaultsApplied(t *testing.T) {
	ev := Score(100, []Candidate{{ID: "a", Total: 100}}, Options{})
	require.Equal(t, DefaultTolerancePct, ev.TolerancePct)
	require.Equal(t, DefaultThreshold, ev.Threshold)
}

func TestScoreExactOnly(t *testing.T) {
	opts := Options{ExactOnly: true, Threshold: 0.9}

	ev := Score(100, []Candidate{{ID: "a", Total: 100}}, opts)
	require.Equal(t, 1.0, ev.Score)
	require.True(t, ev.Matched())

	ev = Score(101, []Candidate{{ID: "a", Total: 100}}, opts)
	require.InDelta(t, 0.99, ev.Score, 1e-9)
	require.True(t, ev.Matched())

	ev = Score(115, []Candidate{{ID: "a", Total: 100}}, opts)
	require.InDelta(t, 0.85, ev.Score, 1e-9)
	require.False(t, ev.Matched())
}

func TestScoreProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	opts := DefaultOptions()

	for i := 0; i < 2000; i++ {
		po := 1 + rng.Float64()*100000
		amount := rng.Float64() * 200000
		ev := Score(amount, []Candidate{{ID: "po", Total: po}}, opts)

		require.GreaterOrEqual(t, ev.Score, 0.0)
		require.LessOrEqual(t, ev.Score, 1.0)
		require.Equal(t, ev.Score >= opts.Threshold, ev.Matched())

		if ev.DiffPct <= opts.TolerancePct {
			require.GreaterOrEqual(t, ev.Score, 0.9)
		}

		exact := Score(po, []Candidate{{ID: "po", Total: po}}, opts)
		require.Equal(t, 1.0, exact.Score)
		require.Equal(t, VerdictMatched, exact.Verdict)
	}
}

func TestScoreMonotonicWithinBands(t *testing.T) {
	opts := DefaultOptions()
	po := []Candidate{{ID: "po", Total: 1000}}

	prev := 1.0
	for amount := 1000.0; amount <= 1050; amount += 2.5 {
		ev := Score(amount, po, opts)
		require.LessOrEqual(t, ev.Score, prev, "amount %v", amount)
		prev = ev.Score
	}

	prev = 1.0
	for amount := 1060.0; amount <= 2500; amount += 7.5 {
		ev := Score(amount, po, opts)
		require.LessOrEqual(t, ev.Score, prev, "amount %v", amount)
		prev = ev.Score
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	candidates := []Candidate{{ID: "a", Total: 900}, {ID: "b", Total: 1100}, {ID: "c", Total: 1050}}
	first := Score(1040, candidates, DefaultOptions())
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Score(1040, candidates, DefaultOptions()))
	}
	require.Equal(t, "c", first.POID)
}

func TestSelect(t *testing.T) {
	require.Equal(t, -1, Select(10, nil))
	require.Equal(t, 1, Select(10, []Candidate{{Total: 0}, {Total: 9}, {Total: 11}}))
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
	require.Error(t, Options{TolerancePct: -1}.Validate())
	require.Error(t, Options{Threshold: 1.5}.Validate())
	require.Error(t, Options{TolerancePct: 5}.Validate())
	require.Error(t, Options{TolerancePct: 5, Threshold: -0.1}.Validate())
	require.Error(t, Options{Threshold: 0.9}.Validate())
	require.NoError(t, Options{ExactOnly: true, Threshold: 0.9}.Validate())
	require.NoError(t, Options{TolerancePct: 2, Threshold: 1}.Validate())
}
