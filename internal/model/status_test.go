package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []DepositStatus{
	StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusCompleted,
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusApproved))
	assert.True(t, StatusPending.CanTransitionTo(StatusRejected))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusApproved.CanTransitionTo(StatusPending))
	assert.True(t, StatusApproved.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusApproved.CanTransitionTo(StatusRejected))
	assert.True(t, StatusCompleted.CanTransitionTo(StatusPending))
	assert.True(t, StatusRejected.CanTransitionTo(StatusPending))
	assert.True(t, StatusCancelled.CanTransitionTo(StatusPending))
}

// Every pair not in the table is illegal, including self-transitions.
func TestTransitionClosure(t *testing.T) {
	legal := map[DepositStatus]map[DepositStatus]bool{}
	for from, targets := range ValidTransitions {
		legal[from] = map[DepositStatus]bool{}
		for _, to := range targets {
			legal[from][to] = true
		}
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, legal[from][to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestUnknownStatus(t *testing.T) {
	assert.False(t, DepositStatus("reversed").IsValid())
	assert.False(t, DepositStatus("").IsValid())
	assert.False(t, DepositStatus("frozen").CanTransitionTo(StatusPending))
	assert.False(t, StatusPending.CanTransitionTo(DepositStatus("frozen")))
	for _, s := range allStatuses {
		assert.True(t, s.IsValid())
	}
}
