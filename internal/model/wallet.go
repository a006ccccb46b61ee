package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a currency balance for one user. Balance never goes negative;
// TotalDeposited is a cumulative counter and only ever grows.
type Wallet struct {
	ID             uint64          `gorm:"primaryKey;column:id"`
	UserID         uint64          `gorm:"not null;index"`
	CurrencyCode   string          `gorm:"size:8;not null"`
	Balance        decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	TotalDeposited decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version        uint64          `gorm:"not null;default:0"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
