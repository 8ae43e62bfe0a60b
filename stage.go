package invoiceflow

// StageID names a step in the invoice pipeline.
type StageID string

const (
	StageIntake         StageID = "INTAKE"
	StageUnderstand     StageID = "UNDERSTAND"
	StagePrepare        StageID = "PREPARE"
	StageRetrieve       StageID = "RETRIEVE"
	StageMatchTwoWay    StageID = "MATCH_TWO_WAY"
	StageCheckpointHITL StageID = "CHECKPOINT_HITL"
	StageHITLDecision   StageID = "HITL_DECISION"
	StageReconcile      StageID = "RECONCILE"
	StageApprove        StageID = "APPROVE"
	StagePosting        StageID = "POSTING"
	StageNotify         StageID = "NOTIFY"
	StageComplete       StageID = "COMPLETE"
)

// pipeline is the happy path in execution order.
var pipeline = []StageID{
	StageIntake,
	StageUnderstand,
	StagePrepare,
	StageRetrieve,
	StageMatchTwoWay,
	StageReconcile,
	StageApprove,
	StagePosting,
	StageNotify,
	StageComplete,
}

// Stages returns every stage, handler-backed ones in pipeline order followed
// by the two engine-owned HITL stages.
func Stages() []StageID {
	out := make([]StageID, 0, len(pipeline)+2)
	out = append(out, pipeline...)
	return append(out, StageCheckpointHITL, StageHITLDecision)
}

// HandlerStages returns the stages that require a registered handler.
func HandlerStages() []StageID {
	out := make([]StageID, len(pipeline))
	copy(out, pipeline)
	return out
}

// EngineOwned reports whether the engine handles the stage itself.
func (s StageID) EngineOwned() bool {
	return s == StageCheckpointHITL || s == StageHITLDecision
}

// Valid reports whether s is a known stage.
func (s StageID) Valid() bool {
	for _, id := range Stages() {
		if id == s {
			return true
		}
	}
	return false
}

func (s StageID) String() string { return string(s) }
