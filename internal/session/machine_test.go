package session

import (
	"testing"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

func TestStatePermits(t *testing.T) {
	cases := []struct {
		state  State
		action string
		want   bool
	}{
		{Idle, protocol.ActionStart, true},
		{Idle, protocol.ActionStop, false},
		{Idle, protocol.ActionCancel, false},
		{Recording, protocol.ActionStop, true},
		{Recording, protocol.ActionStart, false},
		{Recording, protocol.ActionCancel, false},
		{Processing, protocol.ActionCancel, true},
		{Processing, protocol.ActionStart, false},
		{Processing, protocol.ActionStop, false},
		{Cancelling, protocol.ActionStart, false},
		{Cancelling, protocol.ActionStop, false},
		{Cancelling, protocol.ActionCancel, false},
	}
	for _, tc := range cases {
		if got := tc.state.permits(tc.action); got != tc.want {
			t.Errorf("%s.permits(%q) = %v, want %v", tc.state, tc.action, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle:       "idle",
		Recording:  "recording",
		Processing: "processing",
		Cancelling: "cancelling",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{State: Processing, Action: protocol.ActionStart}
	want := `intent "start" does not apply in state processing`
	if err.Error() != want {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}
