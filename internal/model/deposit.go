package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is a request to credit funds into a wallet. Rows are never deleted;
// terminal and reverted states are just further status values. Every
// successful mutation bumps Version by exactly 1.
type Deposit struct {
	ID             uint64          `gorm:"primaryKey"`
	UserID         uint64          `gorm:"not null;index"`
	WalletID       uint64          `gorm:"not null;index"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ReceivedAmount decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	ExchangeRate   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'1'"`
	CurrencyCode   string          `gorm:"size:8;not null"`
	Status         DepositStatus   `gorm:"size:16;not null;default:'pending'"`
	Version        uint64          `gorm:"not null;default:1"`
	IdempotencyKey *string         `gorm:"size:64"`
	ApprovedBy     *uint64
	ApprovedAt     *time.Time
	CompletedAt    *time.Time
	ReversalReason *string   `gorm:"size:255"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (Deposit) TableName() string { return "deposit" }

// CreditAmount is the amount a transition moves through the wallet: the
// received amount when set (e.g. after FX conversion), otherwise the
// requested amount.
func (d *Deposit) CreditAmount() decimal.Decimal {
	if d.ReceivedAmount.IsPositive() {
		return d.ReceivedAmount
	}
	return d.Amount
}
