package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		Pending:    {Queued, InProgress, Failed},
		Queued:     {InProgress, Failed},
		InProgress: {Completed, Failed, Retrying, DeadLetter},
		Retrying:   {InProgress, DeadLetter, Failed},
		Failed:     {Pending},
		DeadLetter: {Pending},
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCompletedIsFinal(t *testing.T) {
	for _, to := range Statuses {
		assert.False(t, CanTransition(Completed, to), to)
	}
	assert.False(t, Cancellable(Completed))
	assert.False(t, Retriable(Completed))
}

func TestCancellableAndRetriable(t *testing.T) {
	assert.True(t, Cancellable(Pending))
	assert.True(t, Cancellable(Queued))
	assert.True(t, Cancellable(Retrying))
	assert.False(t, Cancellable(InProgress))
	assert.False(t, Cancellable(Failed))
	assert.False(t, Cancellable(DeadLetter))

	assert.True(t, Retriable(Failed))
	assert.True(t, Retriable(DeadLetter))
	assert.False(t, Retriable(Pending))
}

func TestTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == Completed || s == Failed || s == DeadLetter
		assert.Equal(t, want, Terminal(s), s)
		if Terminal(s) && s != Completed {
			assert.True(t, Retriable(s), s)
		}
	}
}
