package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/deposit-ledger/internal/model"
	"github.com/richardliu001/deposit-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Wallet impact operations.
const (
	OpCredit = "credit"
	OpDebit  = "debit"
)

// WalletImpact summarizes the balance effect of one operation.
// AmountChanged is signed: positive for credits, negative for debits.
type WalletImpact struct {
	WalletID      uint64          `json:"wallet_id"`
	Operation     string          `json:"operation"`
	AmountChanged decimal.Decimal `json:"amount_changed"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// WalletLedger owns wallet balance mutation and reconciliation. Every
// mutation goes through ComputeImpact + Apply under the same version
// discipline as the deposit row.
type WalletLedger struct {
	repo    repo.RepositoryInterface
	epsilon decimal.Decimal
	log     *zap.SugaredLogger
}

// NewWalletLedger returns WalletLedger. epsilon is the reconciliation
// tolerance (rounding absorption).
func NewWalletLedger(r repo.RepositoryInterface, epsilon decimal.Decimal, logger *zap.SugaredLogger) *WalletLedger {
	return &WalletLedger{repo: r, epsilon: epsilon, log: logger}
}

// ComputeImpact reads the wallet (locked) and computes the effect of applying
// amount with the given operation. A debit that would drive the balance
// negative returns repo.ErrInsufficientFunds before anything is written.
func (l *WalletLedger) ComputeImpact(ctx context.Context, tx *gorm.DB, walletID uint64, amount decimal.Decimal, op string) (*model.Wallet, *WalletImpact, error) {
	w, err := l.repo.GetWalletForUpdate(ctx, tx, walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrWalletNotFound
		}
		return nil, nil, err
	}
	impact := &WalletImpact{
		WalletID:      walletID,
		Operation:     op,
		BalanceBefore: w.Balance,
	}
	switch op {
	case OpCredit:
		impact.AmountChanged = amount
		impact.BalanceAfter = w.Balance.Add(amount)
	case OpDebit:
		impact.AmountChanged = amount.Neg()
		impact.BalanceAfter = w.Balance.Sub(amount)
		if impact.BalanceAfter.IsNegative() {
			return nil, nil, fmt.Errorf("%w: balance %s, debit %s", repo.ErrInsufficientFunds, w.Balance, amount)
		}
	default:
		return nil, nil, fmt.Errorf("unknown ledger operation: %s", op)
	}
	return w, impact, nil
}

// Apply writes the new balance (version-guarded) and appends the ledger
// entry. Both land in the caller's transaction so the entry's balance-after
// always equals the wallet balance at time of writing.
func (l *WalletLedger) Apply(ctx context.Context, tx *gorm.DB, w *model.Wallet, impact *WalletImpact, dep *model.Deposit) error {
	newTotal := w.TotalDeposited
	if impact.Operation == OpCredit {
		newTotal = newTotal.Add(impact.AmountChanged)
	}
	if err := l.repo.UpdateWalletGuarded(ctx, tx, w.ID, impact.BalanceAfter, newTotal, w.Version); err != nil {
		return err
	}
	entry := &model.WalletTransaction{
		WalletID:      w.ID,
		Amount:        impact.AmountChanged,
		BalanceBefore: impact.BalanceBefore,
		BalanceAfter:  impact.BalanceAfter,
		CurrencyCode:  w.CurrencyCode,
		ReferenceNo:   newReferenceNo(),
	}
	if impact.Operation == OpCredit {
		entry.Type = model.TxTypeDeposit
		entry.Description = fmt.Sprintf("Deposit approved: %s %s", impact.AmountChanged, w.CurrencyCode)
	} else {
		entry.Type = model.TxTypeDepositReversal
		entry.Description = fmt.Sprintf("Deposit reversed: %s %s", impact.AmountChanged.Neg(), w.CurrencyCode)
	}
	if dep != nil {
		id := dep.ID
		entry.DepositID = &id
	}
	return l.repo.CreateWalletTransaction(ctx, tx, entry)
}

// Credit adds amount to a wallet in its own unit of work. Independent entry
// point for callers outside a deposit transition.
func (l *WalletLedger) Credit(ctx context.Context, walletID uint64, amount decimal.Decimal) (*WalletImpact, error) {
	return l.mutate(ctx, walletID, amount, OpCredit)
}

// Debit subtracts amount from a wallet in its own unit of work; rejects any
// debit that would go negative.
func (l *WalletLedger) Debit(ctx context.Context, walletID uint64, amount decimal.Decimal) (*WalletImpact, error) {
	return l.mutate(ctx, walletID, amount, OpDebit)
}

func (l *WalletLedger) mutate(ctx context.Context, walletID uint64, amount decimal.Decimal, op string) (*WalletImpact, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var impact *WalletImpact
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, imp, err := l.ComputeImpact(ctx, tx, walletID, amount, op)
		if err != nil {
			return err
		}
		if err := l.Apply(ctx, tx, w, imp, nil); err != nil {
			return err
		}
		impact = imp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := l.repo.CacheBalance(ctx, walletID, impact.BalanceAfter); err != nil {
		l.log.Warn(err)
	}
	return impact, nil
}

// Reconcile independently recomputes the wallet's expected balance from its
// deposit history (received amounts of deposits currently approved or
// completed) and records the comparison. Discrepancies beyond epsilon are
// flagged pending for manual resolution, never auto-corrected: silent
// correction would hide bugs. The expected balance can legitimately go
// negative when a reversal lands after the funds were already spent; such
// records stay flagged until resolved by hand.
func (l *WalletLedger) Reconcile(ctx context.Context, walletID uint64, actorID *uint64) (*model.ReconciliationRecord, error) {
	db := l.repo.DB(ctx)
	w, err := l.repo.GetWallet(ctx, db, walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	deps, err := l.repo.ListDepositsByWallet(ctx, db, walletID)
	if err != nil {
		return nil, err
	}
	expected := decimal.Zero
	for i := range deps {
		switch deps[i].Status {
		case model.StatusApproved, model.StatusCompleted:
			expected = expected.Add(deps[i].CreditAmount())
		}
	}
	discrepancy := w.Balance.Sub(expected)
	status := model.ReconStatusResolved
	if discrepancy.Abs().GreaterThan(l.epsilon) {
		status = model.ReconStatusPending
		l.log.Warnf("wallet %d balance mismatch: stored=%s expected=%s", walletID, w.Balance, expected)
	}
	rec := &model.ReconciliationRecord{
		WalletID:        walletID,
		Type:            model.ReconTypeFullAudit,
		BalanceBefore:   w.Balance,
		BalanceAfter:    w.Balance,
		ExpectedBalance: expected,
		Discrepancy:     discrepancy,
		Status:          status,
		ActorID:         actorID,
		Reason:          "sum_of_approved_deposits",
	}
	if err := l.repo.CreateReconciliation(ctx, db, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReconcileAll sweeps every wallet and returns the records that were flagged
// pending. Run by the poller on a schedule.
func (l *WalletLedger) ReconcileAll(ctx context.Context) ([]model.ReconciliationRecord, error) {
	ids, err := l.repo.ListWalletIDs(ctx)
	if err != nil {
		return nil, err
	}
	var flagged []model.ReconciliationRecord
	for _, id := range ids {
		rec, err := l.Reconcile(ctx, id, nil)
		if err != nil {
			l.log.Errorf("reconcile wallet %d: %v", id, err)
			continue
		}
		if rec.Status == model.ReconStatusPending {
			flagged = append(flagged, *rec)
		}
	}
	return flagged, nil
}

// GetBalance returns current wallet balance, cache first.
func (l *WalletLedger) GetBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	bal, err := l.repo.GetCachedBalance(ctx, walletID)
	if err == nil {
		return bal, nil
	}
	w, err := l.repo.GetWallet(ctx, l.repo.DB(ctx), walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrWalletNotFound
		}
		return decimal.Zero, err
	}
	_ = l.repo.CacheBalance(ctx, walletID, w.Balance)
	return w.Balance, nil
}

// GetHistory fetches recent ledger entries.
func (l *WalletLedger) GetHistory(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.WalletTransaction, error) {
	return l.repo.ListWalletTransactions(ctx, walletID, limit, since)
}

func newReferenceNo() string {
	return fmt.Sprintf("DEP-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
