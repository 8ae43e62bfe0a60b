package invoiceflow

import (
	"context"
	"time"
)

// Callbacks observes run execution. Implementations must not block; they run
// on the goroutine driving the run.
type Callbacks interface {
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	BeforeStage(ctx context.Context, event *StageEvent)
	AfterStage(ctx context.Context, event *StageEvent)

	OnPause(ctx context.Context, event *PauseEvent)
}

// RunEvent describes a run being started, resumed or finished. AfterRun fires
// whenever control returns to the caller, including when the run pauses.
type RunEvent struct {
	RunID     string
	InvoiceID string
	Status    RunStatus
	Stage     StageID
	Resumed   bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// StageEvent describes one attempt of a stage handler.
type StageEvent struct {
	RunID     string
	InvoiceID string
	Stage     StageID
	Attempt   int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// PauseEvent describes a run entering PAUSED.
type PauseEvent struct {
	RunID        string
	InvoiceID    string
	CheckpointID string
	Reason       string
	MatchScore   float64
}

// BaseCallbacks does nothing. Embed it to implement a subset of Callbacks.
type BaseCallbacks struct{}

func (BaseCallbacks) BeforeRun(ctx context.Context, event *RunEvent)     {}
func (BaseCallbacks) AfterRun(ctx context.Context, event *RunEvent)      {}
func (BaseCallbacks) BeforeStage(ctx context.Context, event *StageEvent) {}
func (BaseCallbacks) AfterStage(ctx context.Context, event *StageEvent)  {}
func (BaseCallbacks) OnPause(ctx context.Context, event *PauseEvent)     {}

// CallbackChain fans events out to several callbacks in order.
type CallbackChain struct {
	callbacks []Callbacks
}

func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, cb := range c.callbacks {
		cb.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStage(ctx context.Context, event *StageEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeStage(ctx, event)
	}
}

func (c *CallbackChain) AfterStage(ctx context.Context, event *StageEvent) {
	for _, cb := range c.callbacks {
		cb.AfterStage(ctx, event)
	}
}

func (c *CallbackChain) OnPause(ctx context.Context, event *PauseEvent) {
	for _, cb := range c.callbacks {
		cb.OnPause(ctx, event)
	}
}
