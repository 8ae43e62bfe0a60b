package invoiceflow

import "go.jetify.com/typeid"

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRunID returns a new identifier for a workflow run.
func NewRunID() string { return newID("run") }

// NewCheckpointID returns a new identifier for a HITL checkpoint.
func NewCheckpointID() string { return newID("cp") }

// NewEventID returns a new identifier for an audit event.
func NewEventID() string { return newID("evt") }
