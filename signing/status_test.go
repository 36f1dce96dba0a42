package signing

import "testing"

func TestRequirementTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusCreated, StatusSent, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusExpired, true},
		{StatusCreated, StatusInProgress, false},
		{StatusCreated, StatusCompleted, false},
		{StatusSent, StatusInProgress, true},
		{StatusSent, StatusCancelled, true},
		{StatusSent, StatusRejected, true},
		{StatusSent, StatusExpired, true},
		{StatusSent, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusRejected, true},
		{StatusInProgress, StatusExpired, true},
		{StatusInProgress, StatusCancelled, false},
		{StatusCompleted, StatusExpired, false},
		{StatusRejected, StatusInProgress, false},
		{StatusExpired, StatusCompleted, false},
		{StatusCancelled, StatusSent, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestRequirementTerminalStates(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusRejected, StatusExpired, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusSent, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
