package payment

import "fmt"

// Status is the lifecycle state of a payment id.
type Status string

const (
	StatusCreated  Status = "created"
	StatusVerified Status = "verified"
	StatusSettled  Status = "settled"
	StatusRejected Status = "rejected"
	// StatusFailed marks a verified payment whose settlement failed.
	StatusFailed Status = "failed"
)

var transitions = map[Status][]Status{
	StatusCreated:  {StatusVerified, StatusRejected},
	StatusVerified: {StatusSettled, StatusRejected, StatusFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Transition validates moving a payment from one status to another.
func Transition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
