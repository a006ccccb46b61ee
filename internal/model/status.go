package model

// DepositStatus is the lifecycle state of a deposit.
type DepositStatus string

const (
	StatusPending   DepositStatus = "pending"
	StatusApproved  DepositStatus = "approved"
	StatusRejected  DepositStatus = "rejected"
	StatusCancelled DepositStatus = "cancelled"
	StatusCompleted DepositStatus = "completed"
)

// ValidTransitions is the single source of truth for what the ledger permits.
// The key is the current status, the value the set of legal targets. A
// transition back to pending from approved or completed is a reversal.
var ValidTransitions = map[DepositStatus][]DepositStatus{
	StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusPending, StatusCompleted, StatusRejected},
	StatusCompleted: {StatusPending},
	StatusRejected:  {StatusPending},
	StatusCancelled: {StatusPending},
}

// IsValid reports whether s is a known deposit status.
func (s DepositStatus) IsValid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// CanTransitionTo reports whether the transition s -> next is legal.
func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	for _, t := range ValidTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AllowedFrom returns the legal targets from s, for error messages.
func (s DepositStatus) AllowedFrom() []DepositStatus {
	return ValidTransitions[s]
}
