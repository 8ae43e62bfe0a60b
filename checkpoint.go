package invoiceflow

import (
	"fmt"
	"strings"
	"time"
)

// Decision is a reviewer's verdict on a paused run.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

// ParseDecision accepts ACCEPT or REJECT in any case.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", NewValidationError("decision", fmt.Sprintf("must be ACCEPT or REJECT (got %q)", s))
	}
	return d, nil
}

// Valid reports whether d is ACCEPT or REJECT.
func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionReject
}

// Checkpoint is the durable record of a run paused for human review.
type Checkpoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     StageID   `json:"stage"`
	State     State     `json:"state"`
	Reason    string    `json:"reason"`
	ReviewURL string    `json:"review_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Resolved   bool      `json:"resolved"`
	Decision   Decision  `json:"decision,omitempty"`
	ReviewerID string    `json:"reviewer_id,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	return &out
}

// Resolution is the human input that closes a checkpoint.
type Resolution struct {
	Decision   Decision  `json:"decision"`
	ReviewerID string    `json:"reviewer_id"`
	Notes      string    `json:"notes,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Validate checks the resolution before any store is touched.
func (r Resolution) Validate() error {
	if !r.Decision.Valid() {
		return NewValidationError("decision", fmt.Sprintf("must be ACCEPT or REJECT (got %q)", r.Decision))
	}
	if strings.TrimSpace(r.ReviewerID) == "" {
		return NewValidationError("reviewer_id", "is required")
	}
	return nil
}

// MarkResolved stamps the resolution onto c. Stores call it once their
// compare-and-set on the resolved flag has succeeded.
func (c *Checkpoint) MarkResolved(res Resolution) {
	c.Resolved = true
	c.Decision = res.Decision
	c.ReviewerID = res.ReviewerID
	c.Notes = res.Notes
	c.ResolvedAt = res.ResolvedAt
	if c.ResolvedAt.IsZero() {
		c.ResolvedAt = time.Now().UTC()
	}
}

// PauseReason formats the message recorded when a match fails.
func PauseReason(score, threshold float64) string {
	return fmt.Sprintf("Two-way match failed. Score: %.2f (threshold: %.2f)", score, threshold)
}

// ReviewURL builds the link a reviewer follows to resolve the checkpoint.
func ReviewURL(base, checkpointID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/review/" + checkpointID
}
