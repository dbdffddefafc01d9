package session

import (
	"time"

	"github.com/sationly/sationly/pkg/practice"
)

// State is the machine's position in the practice flow.
type State string

const (
	StateSetup      State = "setup"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateActive     State = "active"
	StateFeedback   State = "feedback"
)

// EventType identifies an Event.
type EventType string

const (
	EventState       EventType = "state"
	EventTick        EventType = "tick"
	EventTurn        EventType = "turn"
	EventTurnFailed  EventType = "turn_failed"
	EventSummary     EventType = "summary"
	EventEnvironment EventType = "environment"
	EventError       EventType = "error"
)

// Tick is the once-per-second timer view.
type Tick struct {
	EnvironmentElapsed   time.Duration
	EnvironmentRemaining time.Duration
	EnvironmentTarget    time.Duration
	// Warning is set when the environment is within its warning window.
	Warning bool

	Recording     bool
	TurnElapsed   time.Duration
	TurnRemaining time.Duration
	TurnLimit     time.Duration
	TurnWarning   bool
}

// Event is pushed to the EventSink after every observable change.
type Event struct {
	Type        EventType
	State       State
	Turn        *practice.Turn
	Environment *practice.Environment
	Summary     *practice.Summary
	Tick        *Tick
	Err         *practice.Error
}

// EventSink receives machine events. Sinks must not call back into the
// machine that emitted the event.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) {
	f(e)
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// WarningThreshold is min(1 minute, 10% of the limit).
func WarningThreshold(limit time.Duration) time.Duration {
	tenth := limit / 10
	if tenth < time.Minute {
		return tenth
	}
	return time.Minute
}

func inWarning(remaining, limit time.Duration) bool {
	return remaining > 0 && remaining <= WarningThreshold(limit)
}
