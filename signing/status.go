package signing

// Status is the closed requirement lifecycle enumeration.
type Status string

const (
	StatusCreated    Status = "created"
	StatusSent       Status = "sent"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// transitions is the requirement transition table. Completed, Rejected,
// Expired, and Cancelled are terminal; nothing leaves them.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusSent:      true,
		StatusCancelled: true,
		StatusRejected:  true,
		StatusExpired:   true,
	},
	StatusSent: {
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusRejected:   true,
		StatusExpired:    true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusRejected:  true,
		StatusExpired:   true,
	},
	StatusCompleted: {},
	StatusRejected:  {},
	StatusExpired:   {},
	StatusCancelled: {},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}
