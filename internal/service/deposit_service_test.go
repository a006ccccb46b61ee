package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/richardliu001/deposit-ledger/internal/logger"
	"github.com/richardliu001/deposit-ledger/internal/model"
	"github.com/richardliu001/deposit-ledger/internal/repo"
)

func newTestService(t *testing.T) (*DepositService, context.Context) {
	dsn := fmt.Sprintf("file:dep_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Deposit{}, &model.Wallet{}, &model.WalletTransaction{},
		&model.AuditLog{}, &model.StatusHistory{}, &model.ReversalRegistry{},
		&model.ReconciliationRecord{}, &model.OutboxEvent{},
	))

	// cache misses and failed cache writes degrade gracefully, so the mock
	// needs no expectations
	rdb, _ := redismock.NewClientMock()

	writer := &kafka.Writer{} // not used here
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, writer, log)
	ledger := NewWalletLedger(repository, decimal.NewFromFloat(0.01), log)
	svc := NewDepositService(repository, ledger, log)

	return svc, context.Background()
}

func seed(t *testing.T, svc *DepositService, ctx context.Context, balance int64) {
	err := svc.Repo().DB(ctx).Create(&model.Wallet{
		ID: 1, UserID: 1, CurrencyCode: "USD", Balance: decimal.NewFromInt(balance),
	}).Error
	assert.NoError(t, err)
	err = svc.Repo().DB(ctx).Create(&model.Deposit{
		ID: 1, UserID: 1, WalletID: 1,
		Amount: decimal.NewFromInt(50), CurrencyCode: "USD",
		Status: model.StatusPending, Version: 1,
	}).Error
	assert.NoError(t, err)
}

func TestTransition_ApproveCreditsWallet(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	res, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, IdempotencyKey: "k1",
	})
	assert.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.StatusApproved, res.Deposit.Status)
	assert.Equal(t, uint64(2), res.Deposit.Version)
	assert.NotNil(t, res.Deposit.ApprovedBy)
	assert.Equal(t, uint64(9), *res.Deposit.ApprovedBy)

	assert.NotNil(t, res.WalletImpact)
	assert.Equal(t, OpCredit, res.WalletImpact.Operation)
	assert.Equal(t, "100", res.WalletImpact.BalanceBefore.StringFixed(0))
	assert.Equal(t, "150", res.WalletImpact.BalanceAfter.StringFixed(0))
	assert.Equal(t, "50", res.WalletImpact.AmountChanged.StringFixed(0))

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "150", w.Balance.StringFixed(0))
	assert.Equal(t, "50", w.TotalDeposited.StringFixed(0))

	var entries []model.WalletTransaction
	assert.NoError(t, svc.Repo().DB(ctx).Where("wallet_id = ?", 1).Find(&entries).Error)
	assert.Len(t, entries, 1)
	assert.Equal(t, model.TxTypeDeposit, entries[0].Type)
	assert.Equal(t, "50", entries[0].Amount.StringFixed(0))
	assert.Equal(t, "100", entries[0].BalanceBefore.StringFixed(0))
	assert.Equal(t, "150", entries[0].BalanceAfter.StringFixed(0))

	assert.NotNil(t, res.AuditLog)
	assert.Equal(t, "k1", res.AuditLog.IdempotencyKey)
	assert.Equal(t, "approved", res.AuditLog.Action)
}

func TestTransition_ReversalDebitsWallet(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, IdempotencyKey: "k1",
	})
	assert.NoError(t, err)

	res, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9,
		Reason: "chargeback", IdempotencyKey: "k2",
	})
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Deposit.Status)
	assert.Equal(t, uint64(3), res.Deposit.Version)
	assert.NotNil(t, res.Deposit.ReversalReason)
	assert.Equal(t, "chargeback", *res.Deposit.ReversalReason)

	assert.NotNil(t, res.WalletImpact)
	assert.Equal(t, OpDebit, res.WalletImpact.Operation)
	assert.Equal(t, "-50", res.WalletImpact.AmountChanged.StringFixed(0))

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "100", w.Balance.StringFixed(0))

	var reg []model.ReversalRegistry
	assert.NoError(t, svc.Repo().DB(ctx).Where("deposit_id = ?", 1).Find(&reg).Error)
	assert.Len(t, reg, 1)
	assert.Equal(t, "chargeback", reg[0].Reason)
	assert.Equal(t, "150", reg[0].OriginalBalance.StringFixed(0))
	assert.Equal(t, "100", reg[0].ReversalBalance.StringFixed(0))
}

func TestTransition_ReversalInsufficientBalance(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, IdempotencyKey: "k1",
	})
	assert.NoError(t, err)

	// funds already spent elsewhere
	err = svc.Repo().DB(ctx).Model(&model.Wallet{}).Where("id = ?", 1).
		Update("balance", decimal.NewFromInt(30)).Error
	assert.NoError(t, err)

	_, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9,
		Reason: "chargeback", IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	// no partial effect: deposit stays approved, balance untouched
	var dep model.Deposit
	assert.NoError(t, svc.Repo().DB(ctx).First(&dep, 1).Error)
	assert.Equal(t, model.StatusApproved, dep.Status)
	assert.Equal(t, uint64(2), dep.Version)

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "30", w.Balance.StringFixed(0))
}

func TestTransition_IdempotentReplay(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	first, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, IdempotencyKey: "retry-me",
	})
	assert.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, IdempotencyKey: "retry-me",
	})
	assert.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Deposit.Status, second.Deposit.Status)
	assert.Equal(t, first.Deposit.Version, second.Deposit.Version)
	assert.NotNil(t, second.WalletImpact)
	assert.True(t, first.WalletImpact.BalanceAfter.Equal(second.WalletImpact.BalanceAfter))

	// wallet credited exactly once
	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "150", w.Balance.StringFixed(0))

	var entries []model.WalletTransaction
	assert.NoError(t, svc.Repo().DB(ctx).Where("wallet_id = ?", 1).Find(&entries).Error)
	assert.Len(t, entries, 1)
}

func TestTransition_IllegalLeavesStatusUnchanged(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusCompleted, ActorID: 9,
	})
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, model.StatusPending, invalid.From)
	assert.Equal(t, model.StatusCompleted, invalid.To)
	assert.Contains(t, invalid.Allowed, model.StatusApproved)

	var dep model.Deposit
	assert.NoError(t, svc.Repo().DB(ctx).First(&dep, 1).Error)
	assert.Equal(t, model.StatusPending, dep.Status)
	assert.Equal(t, uint64(1), dep.Version)

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "100", w.Balance.StringFixed(0))
}

func TestTransition_UnknownStatusAndMissingDeposit(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.DepositStatus("reversed"), ActorID: 9,
	})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 404, NewStatus: model.StatusApproved, ActorID: 9,
	})
	assert.ErrorIs(t, err, ErrDepositNotFound)
}

func TestTransition_NoImpactPaths(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	// pending -> rejected carries no wallet impact
	res, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusRejected, ActorID: 9, Reason: "bad docs",
	})
	assert.NoError(t, err)
	assert.Nil(t, res.WalletImpact)

	// rejected -> pending reopens with no wallet impact either
	res, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9,
	})
	assert.NoError(t, err)
	assert.Nil(t, res.WalletImpact)
	assert.Equal(t, uint64(3), res.Deposit.Version)

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "100", w.Balance.StringFixed(0))
}

func TestApprove_OneShotWithReceivedAmount(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	received := decimal.NewFromInt(45)
	res, err := svc.Approve(ctx, ApprovalRequest{
		DepositID: 1, ActorID: 9,
		ReceivedAmount: &received,
		ExchangeRate:   decimal.NewFromFloat(0.9),
	})
	assert.NoError(t, err)
	assert.Equal(t, model.StatusApproved, res.Deposit.Status)
	assert.Equal(t, "45", res.Deposit.ReceivedAmount.StringFixed(0))
	assert.Equal(t, "0.9", res.Deposit.ExchangeRate.StringFixed(1))

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "145", w.Balance.StringFixed(0))

	// reversal after an FX-adjusted approval debits the received amount
	rev, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9, Reason: "chargeback",
	})
	assert.NoError(t, err)
	assert.Equal(t, "-45", rev.WalletImpact.AmountChanged.StringFixed(0))
}

func TestTransition_CompleteThenReverseNoImpact(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 0)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9,
	})
	assert.NoError(t, err)

	res, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusCompleted, ActorID: 9,
	})
	assert.NoError(t, err)
	assert.Nil(t, res.WalletImpact)
	assert.NotNil(t, res.Deposit.CompletedAt)

	// reverting a completed deposit does not touch the wallet
	res, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9, Reason: "rework",
	})
	assert.NoError(t, err)
	assert.Nil(t, res.WalletImpact)
	assert.Equal(t, "reverse", res.AuditLog.Action)

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "50", w.Balance.StringFixed(0))
}

func TestTransition_RejectAfterApprovalDebits(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9,
	})
	assert.NoError(t, err)

	res, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusRejected, ActorID: 9, Reason: "fraud",
	})
	assert.NoError(t, err)
	assert.NotNil(t, res.WalletImpact)
	assert.Equal(t, OpDebit, res.WalletImpact.Operation)

	var w model.Wallet
	assert.NoError(t, svc.Repo().DB(ctx).First(&w, 1).Error)
	assert.Equal(t, "100", w.Balance.StringFixed(0))

	var entries []model.WalletTransaction
	assert.NoError(t, svc.Repo().DB(ctx).Where("wallet_id = ?", 1).Order("id").Find(&entries).Error)
	assert.Len(t, entries, 2)
	assert.Equal(t, model.TxTypeDepositReversal, entries[1].Type)
}

func TestReconcile_ZeroDiscrepancyAfterApprovals(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 0)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9,
	})
	assert.NoError(t, err)

	rec, err := svc.Ledger().Reconcile(ctx, 1, nil)
	assert.NoError(t, err)
	assert.Equal(t, model.ReconStatusResolved, rec.Status)
	assert.True(t, rec.Discrepancy.IsZero())
	assert.Equal(t, "50", rec.ExpectedBalance.StringFixed(0))

	// reversal restores a zero expected balance as well
	_, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusPending, ActorID: 9, Reason: "chargeback",
	})
	assert.NoError(t, err)

	rec, err = svc.Ledger().Reconcile(ctx, 1, nil)
	assert.NoError(t, err)
	assert.Equal(t, model.ReconStatusResolved, rec.Status)
	assert.True(t, rec.Discrepancy.IsZero())
	assert.True(t, rec.ExpectedBalance.IsZero())
}

func TestGetAuditTrail(t *testing.T) {
	svc, ctx := newTestService(t)
	seed(t, svc, ctx, 100)

	_, err := svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusApproved, ActorID: 9, Reason: "ok",
	})
	assert.NoError(t, err)
	_, err = svc.Transition(ctx, TransitionRequest{
		DepositID: 1, NewStatus: model.StatusCompleted, ActorID: 9,
	})
	assert.NoError(t, err)

	trail, err := svc.GetAuditTrail(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, trail.Deposit.Status)
	assert.Len(t, trail.AuditLog, 2)
	assert.Len(t, trail.History, 2)
	assert.Equal(t, model.StatusPending, trail.History[0].OldStatus)
	assert.Equal(t, model.StatusApproved, trail.History[0].NewStatus)

	_, err = svc.GetAuditTrail(ctx, 404)
	assert.ErrorIs(t, err, ErrDepositNotFound)
}
