package scheduler

// legalTransitions is the complete transition table. failed -> pending is
// further gated on the retry budget.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition validates a transition for a specific task, including the
// retry budget on failed -> pending.
func checkTransition(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	if t.Status == StatusFailed && to == StatusPending && t.RetriesUsed >= t.MaxRetries {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	return nil
}
