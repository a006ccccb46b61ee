package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types.
const (
	TxTypeDeposit         = "DEPOSIT"
	TxTypeDepositReversal = "DEPOSIT_REVERSAL"
)

// WalletTransaction is an immutable record of one balance change. Amount is
// signed; BalanceAfter = BalanceBefore + Amount, and BalanceAfter equals the
// wallet balance at time of writing (both are written in the same unit of
// work).
type WalletTransaction struct {
	ID            uint64          `gorm:"primaryKey"`
	WalletID      uint64          `gorm:"not null;index"`
	Type          string          `gorm:"size:32;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CurrencyCode  string          `gorm:"size:8;not null"`
	Description   string          `gorm:"size:255"`
	DepositID     *uint64         `gorm:"index"`
	ReferenceNo   string          `gorm:"size:64"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (WalletTransaction) TableName() string { return "wallet_transaction" }
