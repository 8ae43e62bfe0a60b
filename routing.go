package invoiceflow

import "fmt"

// Next returns the stage that follows stage given the accumulated state. The
// only branch is after MATCH_TWO_WAY, where the match verdict decides between
// RECONCILE and a pause for review.
func Next(stage StageID, state *State) (StageID, error) {
	switch stage {
	case StageIntake:
		return StageUnderstand, nil
	case StageUnderstand:
		return StagePrepare, nil
	case StagePrepare:
		return StageRetrieve, nil
	case StageRetrieve:
		return StageMatchTwoWay, nil
	case StageMatchTwoWay:
		if state.Match == nil {
			return "", fmt.Errorf("stage %s produced no match evidence", stage)
		}
		if state.Match.Matched() {
			return StageReconcile, nil
		}
		return StageCheckpointHITL, nil
	case StageHITLDecision:
		if state.Decision == nil {
			return "", fmt.Errorf("stage %s has no decision", stage)
		}
		return ResumeTarget(state.Decision.Decision)
	case StageReconcile:
		return StageApprove, nil
	case StageApprove:
		return StagePosting, nil
	case StagePosting:
		return StageNotify, nil
	case StageNotify:
		return StageComplete, nil
	}
	return "", fmt.Errorf("stage %s has no successor", stage)
}

// ResumeTarget returns where a resumed run continues for the given decision.
func ResumeTarget(d Decision) (StageID, error) {
	switch d {
	case DecisionAccept:
		return StageReconcile, nil
	case DecisionReject:
		return StageComplete, nil
	}
	return "", NewValidationError("decision", fmt.Sprintf("must be ACCEPT or REJECT (got %q)", d))
}

// ResumeStatus returns the run status a decision leads to.
func ResumeStatus(d Decision) RunStatus {
	if d == DecisionReject {
		return RunStatusManualHandoff
	}
	return RunStatusRunning
}
