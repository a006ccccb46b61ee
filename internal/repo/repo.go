package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/deposit-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when a debit would drive a wallet balance
// negative. Terminal for the request, never clamped.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrVersionConflict is returned when a guarded update matches zero rows:
// another writer already advanced the row. Retryable after a re-fetch.
var ErrVersionConflict = errors.New("concurrent modification: version conflict")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetDeposit(ctx context.Context, tx *gorm.DB, depositID uint64) (*model.Deposit, error)
	GetDepositForUpdate(ctx context.Context, tx *gorm.DB, depositID uint64) (*model.Deposit, error)
	UpdateDepositGuarded(ctx context.Context, tx *gorm.DB, depositID uint64, fields map[string]interface{}, oldVersion uint64) error
	ListDepositsByWallet(ctx context.Context, tx *gorm.DB, walletID uint64) ([]model.Deposit, error)
	GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	UpdateWalletGuarded(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance, newTotal decimal.Decimal, oldVersion uint64) error
	ListWalletIDs(ctx context.Context) ([]uint64, error)
	CreateWalletTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error
	ListWalletTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.WalletTransaction, error)
	FindAuditByKey(ctx context.Context, tx *gorm.DB, idemKey string) (*model.AuditLog, error)
	CreateAuditLog(ctx context.Context, tx *gorm.DB, a *model.AuditLog) error
	ListAuditTrail(ctx context.Context, depositID uint64) ([]model.AuditLog, error)
	CreateStatusHistory(ctx context.Context, tx *gorm.DB, h *model.StatusHistory) error
	ListStatusHistory(ctx context.Context, depositID uint64) ([]model.StatusHistory, error)
	CreateReversalRegistry(ctx context.Context, tx *gorm.DB, r *model.ReversalRegistry) error
	CreateReconciliation(ctx context.Context, tx *gorm.DB, r *model.ReconciliationRecord) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetDeposit reads one deposit row.
func (r *Repository) GetDeposit(ctx context.Context, tx *gorm.DB, depositID uint64) (*model.Deposit, error) {
	var d model.Deposit
	if err := tx.WithContext(ctx).Where("id = ?", depositID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDepositForUpdate locks the deposit row for the span of the transaction.
func (r *Repository) GetDepositForUpdate(ctx context.Context, tx *gorm.DB, depositID uint64) (*model.Deposit, error) {
	var d model.Deposit
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", depositID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDepositGuarded applies fields with the optimistic version guard. The
// caller's fields must not include version; it is bumped here so every
// successful mutation advances by exactly 1.
func (r *Repository) UpdateDepositGuarded(ctx context.Context, tx *gorm.DB, depositID uint64, fields map[string]interface{}, oldVersion uint64) error {
	fields["version"] = oldVersion + 1
	fields["updated_at"] = time.Now()
	res := tx.WithContext(ctx).
		Model(&model.Deposit{}).
		Where("id = ? AND version = ?", depositID, oldVersion).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListDepositsByWallet returns every deposit for a wallet, oldest first.
func (r *Repository) ListDepositsByWallet(ctx context.Context, tx *gorm.DB, walletID uint64) ([]model.Deposit, error) {
	var deps []model.Deposit
	err := tx.WithContext(ctx).Where("wallet_id = ?", walletID).Order("created_at").Find(&deps).Error
	return deps, err
}

// GetWallet reads one wallet row.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWalletGuarded writes balance and the cumulative deposit counter with
// the optimistic version guard.
func (r *Repository) UpdateWalletGuarded(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance, newTotal decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":         newBalance,
			"total_deposited": newTotal,
			"version":         oldVersion + 1,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListWalletIDs returns every wallet id, for the reconciliation sweep.
func (r *Repository) ListWalletIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&model.Wallet{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// CreateWalletTransaction inserts a ledger entry.
func (r *Repository) CreateWalletTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// ListWalletTransactions fetches recent ledger entries.
func (r *Repository) ListWalletTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.WalletTransaction, error) {
	var txs []model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at >= ?", walletID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// FindAuditByKey looks up the dedup ledger. A hit means the operation already
// ran to completion and must be replayed, not re-executed.
func (r *Repository) FindAuditByKey(ctx context.Context, tx *gorm.DB, idemKey string) (*model.AuditLog, error) {
	if idemKey == "" {
		return nil, nil
	}
	var a model.AuditLog
	err := tx.WithContext(ctx).Where("idempotency_key = ?", idemKey).First(&a).Error
	if err == nil {
		return &a, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// CreateAuditLog appends an audit entry.
func (r *Repository) CreateAuditLog(ctx context.Context, tx *gorm.DB, a *model.AuditLog) error {
	return tx.WithContext(ctx).Create(a).Error
}

// ListAuditTrail returns all audit entries for a deposit, oldest first.
func (r *Repository) ListAuditTrail(ctx context.Context, depositID uint64) ([]model.AuditLog, error) {
	var logs []model.AuditLog
	err := r.db.WithContext(ctx).Where("deposit_id = ?", depositID).Order("created_at").Find(&logs).Error
	return logs, err
}

// CreateStatusHistory appends a history row.
func (r *Repository) CreateStatusHistory(ctx context.Context, tx *gorm.DB, h *model.StatusHistory) error {
	return tx.WithContext(ctx).Create(h).Error
}

// ListStatusHistory returns the status trail for a deposit, oldest first.
func (r *Repository) ListStatusHistory(ctx context.Context, depositID uint64) ([]model.StatusHistory, error) {
	var hist []model.StatusHistory
	err := r.db.WithContext(ctx).Where("deposit_id = ?", depositID).Order("created_at").Find(&hist).Error
	return hist, err
}

// CreateReversalRegistry appends a reversal registry row.
func (r *Repository) CreateReversalRegistry(ctx context.Context, tx *gorm.DB, reg *model.ReversalRegistry) error {
	return tx.WithContext(ctx).Create(reg).Error
}

// CreateReconciliation appends a reconciliation record.
func (r *Repository) CreateReconciliation(ctx context.Context, tx *gorm.DB, rec *model.ReconciliationRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", walletID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", walletID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
