package bridge

import "testing"

func TestState(t *testing.T) {
	cases := []struct {
		state    State
		str      string
		terminal bool
	}{
		{StateConnecting, "connecting", false},
		{StateStreaming, "streaming", false},
		{StateDraining, "draining", false},
		{StateClosed, "closed", true},
		{State(42), "unknown", false},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.str {
			t.Errorf("State(%d).String() = %q, want %q", c.state, got, c.str)
		}
		if got := c.state.Terminal(); got != c.terminal {
			t.Errorf("State(%d).Terminal() = %v, want %v", c.state, got, c.terminal)
		}
	}
}
