package service

import (
	"errors"
	"fmt"

	"github.com/richardliu001/deposit-ledger/internal/model"
)

// ErrDepositNotFound means the deposit id does not exist. Not retryable.
var ErrDepositNotFound = errors.New("deposit not found")

// ErrWalletNotFound means the deposit's wallet does not exist. Not retryable.
var ErrWalletNotFound = errors.New("wallet not found")

// ErrUnknownStatus means the requested status is not a known deposit status.
var ErrUnknownStatus = errors.New("unknown deposit status")

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// InvalidTransitionError reports a request that violates the transition
// table. It names the allowed targets so callers can tell a logic error from
// a retryable conflict.
type InvalidTransitionError struct {
	From    model.DepositStatus
	To      model.DepositStatus
	Allowed []model.DepositStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}
