// Package match scores an invoice amount against candidate purchase orders.
//
// Scoring is a pure function of its inputs. The closest candidate by total is
// selected, the percentage difference is computed against that total and the
// score is mapped into [0, 1]. Differences inside the tolerance band score
// between 0.9 and 1.0; differences outside it decay linearly to zero at 100%.
package match

import (
	"fmt"
	"math"
)

const (
	// DefaultTolerancePct is the width of the in-band region, in percent.
	DefaultTolerancePct = 5.0

	// DefaultThreshold is the minimum score for a MATCHED verdict.
	DefaultThreshold = 0.90
)

// Verdict is the outcome of a two-way match.
type Verdict string

const (
	VerdictMatched Verdict = "MATCHED"
	VerdictFailed  Verdict = "FAILED"
)

// Candidate is a purchase order considered for matching.
type Candidate struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

// Options controls scoring. Zero values are replaced by the package defaults,
// except that an explicit zero tolerance can be requested with ExactOnly.
type Options struct {
	TolerancePct float64 `json:"tolerance_pct" yaml:"tolerance_pct"`
	Threshold    float64 `json:"threshold" yaml:"threshold"`
	ExactOnly    bool    `json:"exact_only,omitempty" yaml:"exact_only"`
}

// DefaultOptions returns the standard tolerance and threshold.
func DefaultOptions() Options {
	return Options{TolerancePct: DefaultTolerancePct, Threshold: DefaultThreshold}
}

func (o Options) normalize() Options {
	if o.ExactOnly {
		o.TolerancePct = 0
	} else if o.TolerancePct <= 0 {
		o.TolerancePct = DefaultTolerancePct
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Validate reports option values that cannot produce a meaningful verdict.
// Configured values are taken literally: a zero threshold is rejected, and a
// zero tolerance must be requested with ExactOnly, since Score would
// otherwise replace either with its default.
func (o Options) Validate() error {
	if o.TolerancePct < 0 {
		return fmt.Errorf("tolerance must not be negative (got %v)", o.TolerancePct)
	}
	if o.TolerancePct == 0 && !o.ExactOnly {
		return fmt.Errorf("tolerance must be positive; set exact_only for exact matching")
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold must be within (0, 1] (got %v)", o.Threshold)
	}
	return nil
}

// Evidence records everything that went into a verdict.
type Evidence struct {
	InvoiceAmount float64 `json:"invoice_amount"`
	POID          string  `json:"po_id,omitempty"`
	POTotal       float64 `json:"po_total"`
	Difference    float64 `json:"difference"`
	DiffPct       float64 `json:"diff_pct"`
	Score         float64 `json:"score"`
	Verdict       Verdict `json:"verdict"`
	TolerancePct  float64 `json:"tolerance_pct"`
	Threshold     float64 `json:"threshold"`
	Candidates    int     `json:"candidates"`
}

// Matched reports whether the verdict is MATCHED.
func (e Evidence) Matched() bool {
	return e.Verdict == VerdictMatched
}

// Select returns the index of the candidate whose total is closest to amount.
// Ties go to the earliest candidate. It returns -1 when there are none.
func Select(amount float64, candidates []Candidate) int {
	best := -1
	bestDiff := math.Inf(1)
	for i, c := range candidates {
		d := math.Abs(amount - c.Total)
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// Score compares the invoice amount to the closest candidate and returns the
// evidence for the resulting verdict.
func Score(invoiceAmount float64, candidates []Candidate, opts Options) Evidence {
	opts = opts.normalize()
	ev := Evidence{
		InvoiceAmount: invoiceAmount,
		TolerancePct:  opts.TolerancePct,
		Threshold:     opts.Threshold,
		Candidates:    len(candidates),
		Verdict:       VerdictFailed,
	}
	idx := Select(invoiceAmount, candidates)
	if idx < 0 {
		return ev
	}
	po := candidates[idx]
	ev.POID = po.ID
	ev.POTotal = po.Total
	if po.Total <= 0 {
		return ev
	}

	ev.Difference = math.Abs(invoiceAmount - po.Total)
	ev.DiffPct = ev.Difference / po.Total * 100
	ev.Score = scoreFor(ev.DiffPct, opts.TolerancePct)
	if ev.Score >= opts.Threshold {
		ev.Verdict = VerdictMatched
	}
	return ev
}

func scoreFor(diffPct, tolerance float64) float64 {
	if tolerance > 0 && diffPct <= tolerance {
		return 1 - (diffPct/tolerance)*0.1
	}
	if tolerance == 0 && diffPct == 0 {
		return 1
	}
	return math.Max(0, 1-diffPct/100)
}
