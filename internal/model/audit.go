package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditLog is an immutable record of one state-machine operation. It doubles
// as the dedup ledger: an operation retried with the same idempotency key is
// recognized here and replayed instead of re-executed.
type AuditLog struct {
	ID             uint64  `gorm:"primaryKey"`
	DepositID      uint64  `gorm:"not null;index"`
	UserID         uint64  `gorm:"not null"`
	WalletID       uint64  `gorm:"not null"`
	Action         string  `gorm:"size:32;not null"`
	OldState       string  `gorm:"type:jsonb;not null"`
	NewState       string  `gorm:"type:jsonb;not null"`
	WalletImpact   *string `gorm:"type:jsonb"`
	ActorID        uint64  `gorm:"not null"`
	IdempotencyKey string  `gorm:"size:64;not null;uniqueIndex"`
	Status         string  `gorm:"size:16;not null"`
	CompletedAt    time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (AuditLog) TableName() string { return "deposit_audit_log" }

// StatusHistory is a lighter-weight informational trail of status changes,
// distinct from the audit log. Its writes are best-effort.
type StatusHistory struct {
	ID        uint64        `gorm:"primaryKey"`
	DepositID uint64        `gorm:"not null;index"`
	UserID    uint64        `gorm:"not null"`
	OldStatus DepositStatus `gorm:"size:16;not null"`
	NewStatus DepositStatus `gorm:"size:16;not null"`
	ChangedBy uint64        `gorm:"not null"`
	Reason    *string       `gorm:"size:255"`
	CreatedAt time.Time     `gorm:"autoCreateTime"`
}

func (StatusHistory) TableName() string { return "deposit_status_history" }

// ReversalRegistry records every approved -> pending reversal with the wallet
// balances around it. Best-effort bookkeeping.
type ReversalRegistry struct {
	ID              uint64          `gorm:"primaryKey"`
	DepositID       uint64          `gorm:"not null;index"`
	Reason          string          `gorm:"size:255;not null"`
	ReversedBy      uint64          `gorm:"not null"`
	OriginalBalance decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ReversalBalance decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status          string          `gorm:"size:16;not null;default:'active'"`
	CreatedAt       time.Time       `gorm:"autoCreateTime"`
}

func (ReversalRegistry) TableName() string { return "deposit_reversal_registry" }

// Reconciliation record types and statuses.
const (
	ReconTypeDepositApproval = "deposit_approval"
	ReconTypeDepositReversal = "deposit_reversal"
	ReconTypeFullAudit       = "full_audit"

	ReconStatusResolved = "resolved"
	ReconStatusPending  = "pending"
)

// ReconciliationRecord is a point-in-time comparison of stored vs computed
// wallet balance. Per-operation records capture the before/after of a single
// transition; full_audit records come from reconcile() and carry the
// independently computed expected balance. A discrepancy beyond the epsilon
// is flagged pending for manual resolution, never auto-corrected.
type ReconciliationRecord struct {
	ID              uint64          `gorm:"primaryKey"`
	WalletID        uint64          `gorm:"not null;index"`
	Type            string          `gorm:"size:32;not null"`
	BalanceBefore   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ExpectedBalance decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Discrepancy     decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status          string          `gorm:"size:16;not null"`
	ActorID         *uint64
	Reason          string    `gorm:"size:255"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (ReconciliationRecord) TableName() string { return "wallet_balance_reconciliation" }
