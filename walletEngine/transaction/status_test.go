package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var allStatuses = []Status{
	StatusPending, StatusApproved, StatusSigned, StatusBroadcast,
	StatusConfirmed, StatusReplaced, StatusFailed,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSigned, false},
		{StatusApproved, StatusSigned, true},
		{StatusApproved, StatusBroadcast, false},
		{StatusSigned, StatusBroadcast, true},
		{StatusBroadcast, StatusConfirmed, true},
		{StatusBroadcast, StatusReplaced, true},
		{StatusBroadcast, StatusFailed, true},
		{StatusBroadcast, StatusPending, false},
		{StatusReplaced, StatusBroadcast, true},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusConfirmed, StatusConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.Valid(), s)
		want := s == StatusConfirmed || s == StatusFailed || s == StatusReplaced
		assert.Equal(t, want, s.IsTerminal(), s)
	}
	assert.False(t, Status("queued").Valid())
}

// rank orders statuses along the lifecycle.
func rank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusApproved:
		return 1
	case StatusSigned:
		return 2
	case StatusBroadcast, StatusReplaced:
		return 3
	default:
		return 4
	}
}

func TestTransitionsNeverGoBackwards(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cur := StatusPending
		steps := rapid.SliceOfN(rapid.SampledFrom(allStatuses), 1, 30).Draw(rt, "steps")
		for _, next := range steps {
			if !CanTransition(cur, next) {
				continue
			}
			// broadcast and replaced may alternate while a replacement is tracked.
			if rank(next) < rank(cur) || (rank(next) == rank(cur) && rank(cur) != 3) {
				rt.Fatalf("transition %s -> %s moves backwards", cur, next)
			}
			cur = next
		}
		if cur == StatusConfirmed || cur == StatusFailed {
			for _, s := range allStatuses {
				if CanTransition(cur, s) {
					rt.Fatalf("terminal %s has edge to %s", cur, s)
				}
			}
		}
	})
}
