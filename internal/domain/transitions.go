package domain

// transitions lists every permitted status edge. Anything not listed is invalid.
var transitions = map[Status][]Status{
	Pending:    {Queued, InProgress, Failed},
	Queued:     {InProgress, Failed},
	InProgress: {Completed, Failed, Retrying, DeadLetter},
	Retrying:   {InProgress, DeadLetter, Failed},
	Failed:     {Pending},
	DeadLetter: {Pending},
	Completed:  {},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claimable statuses are the ones a worker may move to in_progress.
func Claimable(s Status) bool {
	return s == Pending || s == Queued || s == Retrying
}

// Cancellable statuses may be cancelled by the owning workspace.
func Cancellable(s Status) bool {
	return s == Pending || s == Queued || s == Retrying
}

// Retriable statuses may be reset to pending by an explicit retry request.
func Retriable(s Status) bool {
	return s == Failed || s == DeadLetter
}

// Terminal statuses end an attempt chain; only an explicit retry leaves one.
func Terminal(s Status) bool {
	return s == Completed || s == Failed || s == DeadLetter
}
