package session

import (
	"fmt"
	"time"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

// State is the executor's position in the session lifecycle. Result and
// Error are instantaneous: they surface as events and the machine settles
// back in Idle, so only the durable states appear here.
type State int

const (
	Idle State = iota
	Recording
	Processing
	Cancelling
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	case Cancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// Session is the single live recording/transcription attempt. At most one
// exists at a time; it is created on start and destroyed on the terminal
// transition back to Idle.
type Session struct {
	ID          string
	Mode        string
	StartedAt   time.Time
	SampleCount int64
	AudioMS     int64
	StopReason  string
}

// transitions lists the intents that move the machine out of each state.
// Toggle is special cased in the executor (it dispatches on the current
// state); anything not listed is dropped as a no-op.
var transitions = map[State]map[string]bool{
	Idle:       {protocol.ActionStart: true},
	Recording:  {protocol.ActionStop: true},
	Processing: {protocol.ActionCancel: true},
	Cancelling: {},
}

func (s State) permits(action string) bool {
	return transitions[s][action]
}

// InvalidTransitionError reports an intent that does not apply to the
// current state. It never has any effect beyond a log line.
type InvalidTransitionError struct {
	State  State
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("intent %q does not apply in state %s", e.Action, e.State)
}
