package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/deposit-ledger/internal/model"
	"github.com/richardliu001/deposit-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransitionRequest asks to move one deposit to a new status. IdempotencyKey
// should be supplied by at-least-once callers and reused verbatim on retry;
// when empty a key is generated once for this execution.
type TransitionRequest struct {
	DepositID      uint64
	NewStatus      model.DepositStatus
	ActorID        uint64
	Reason         string
	IdempotencyKey string
}

// ApprovalRequest is the simplified one-shot pending -> approved entry point.
// ReceivedAmount overrides the credited amount (e.g. after FX conversion).
type ApprovalRequest struct {
	DepositID      uint64
	ActorID        uint64
	Reason         string
	ReceivedAmount *decimal.Decimal
	ExchangeRate   decimal.Decimal
}

// TransitionResult is the outcome of a successful transition. Warnings carry
// failures of best-effort writes that do not undo the state change; Replayed
// marks an idempotent replay of an earlier execution.
type TransitionResult struct {
	Deposit      *model.Deposit  `json:"deposit"`
	WalletImpact *WalletImpact   `json:"wallet_impact,omitempty"`
	AuditLog     *model.AuditLog `json:"audit_log,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Replayed     bool            `json:"replayed"`
}

// AuditTrail is the full forensic view of one deposit.
type AuditTrail struct {
	Deposit  *model.Deposit        `json:"deposit"`
	AuditLog []model.AuditLog      `json:"audit_log"`
	History  []model.StatusHistory `json:"status_history"`
}

// stateSnapshot is what the audit log records before and after a transition.
type stateSnapshot struct {
	Status  model.DepositStatus `json:"status"`
	Amount  decimal.Decimal     `json:"amount"`
	Version uint64              `json:"version"`
}

// DepositService orchestrates deposit state changes end-to-end: idempotency
// check, legality check, version-guarded update, wallet adjustment through
// the ledger, audit and history writes.
type DepositService struct {
	repo   repo.RepositoryInterface
	ledger *WalletLedger
	log    *zap.SugaredLogger
}

// NewDepositService returns DepositService.
func NewDepositService(r repo.RepositoryInterface, ledger *WalletLedger, logger *zap.SugaredLogger) *DepositService {
	return &DepositService{repo: r, ledger: ledger, log: logger}
}

// Ledger exposes the wallet ledger component.
func (s *DepositService) Ledger() *WalletLedger { return s.ledger }

// Repo exposes underlying repository (unit tests helper).
func (s *DepositService) Repo() repo.RepositoryInterface { return s.repo }

// Transition moves a deposit to newStatus, adjusting the wallet when the
// transition carries a balance effect. Safe to retry with the same
// idempotency key: a replay returns the recorded result without side effects.
func (s *DepositService) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	return s.execute(ctx, req, nil)
}

// Approve is the one-shot pending -> approved path. The caller is expected to
// be a single authoritative admin action, so no pre-supplied idempotency key
// is required; balance and version invariants still hold.
func (s *DepositService) Approve(ctx context.Context, req ApprovalRequest) (*TransitionResult, error) {
	if req.ReceivedAmount != nil && req.ReceivedAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	reason := req.Reason
	if reason == "" {
		reason = "Admin approval"
	}
	return s.execute(ctx, TransitionRequest{
		DepositID: req.DepositID,
		NewStatus: model.StatusApproved,
		ActorID:   req.ActorID,
		Reason:    reason,
	}, &req)
}

func (s *DepositService) execute(ctx context.Context, req TransitionRequest, approval *ApprovalRequest) (*TransitionResult, error) {
	if !req.NewStatus.IsValid() {
		return nil, ErrUnknownStatus
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	db := s.repo.DB(ctx)

	// Idempotency short-circuit: the audit log is the dedup ledger.
	if prior, err := s.repo.FindAuditByKey(ctx, db, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return s.replay(ctx, prior)
	}

	var (
		oldSnap, newSnap stateSnapshot
		updated          model.Deposit
		impact           *WalletImpact
		isReversal       bool
	)

	// Required writes: deposit row, wallet row, ledger entry and the outbox
	// event, all or nothing. The legality decision is made against the
	// freshly locked row, and the version guard closes the remaining window.
	err := db.Transaction(func(tx *gorm.DB) error {
		dep, err := s.repo.GetDepositForUpdate(ctx, tx, req.DepositID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDepositNotFound
			}
			return err
		}
		if !dep.Status.CanTransitionTo(req.NewStatus) {
			return &InvalidTransitionError{From: dep.Status, To: req.NewStatus, Allowed: dep.Status.AllowedFrom()}
		}
		isReversal = dep.Status == model.StatusApproved && req.NewStatus == model.StatusPending
		oldSnap = stateSnapshot{Status: dep.Status, Amount: dep.Amount, Version: dep.Version}

		amount := dep.CreditAmount()
		if approval != nil && approval.ReceivedAmount != nil {
			amount = *approval.ReceivedAmount
		}

		var wallet *model.Wallet
		switch {
		case dep.Status == model.StatusPending && req.NewStatus == model.StatusApproved:
			wallet, impact, err = s.ledger.ComputeImpact(ctx, tx, dep.WalletID, amount, OpCredit)
		case dep.Status == model.StatusApproved && (req.NewStatus == model.StatusPending || req.NewStatus == model.StatusRejected),
			dep.Status == model.StatusCompleted && req.NewStatus == model.StatusRejected:
			wallet, impact, err = s.ledger.ComputeImpact(ctx, tx, dep.WalletID, amount, OpDebit)
		}
		if err != nil {
			return err
		}

		now := time.Now()
		fields := map[string]interface{}{
			"status":          req.NewStatus,
			"idempotency_key": req.IdempotencyKey,
		}
		switch {
		case req.NewStatus == model.StatusApproved:
			fields["approved_by"] = req.ActorID
			fields["approved_at"] = now
			if approval != nil {
				fields["received_amount"] = amount
				if approval.ExchangeRate.IsPositive() {
					fields["exchange_rate"] = approval.ExchangeRate
				}
			}
		case isReversal:
			fields["reversal_reason"] = req.Reason
		case req.NewStatus == model.StatusCompleted:
			fields["completed_at"] = now
		}

		if err := s.repo.UpdateDepositGuarded(ctx, tx, dep.ID, fields, dep.Version); err != nil {
			return err
		}
		if impact != nil {
			if err := s.ledger.Apply(ctx, tx, wallet, impact, dep); err != nil {
				return err
			}
		}

		updated = *dep
		updated.Status = req.NewStatus
		updated.Version = dep.Version + 1
		updated.IdempotencyKey = &req.IdempotencyKey
		updated.UpdatedAt = now
		switch {
		case req.NewStatus == model.StatusApproved:
			actor := req.ActorID
			updated.ApprovedBy = &actor
			updated.ApprovedAt = &now
			if approval != nil {
				updated.ReceivedAmount = amount
				if approval.ExchangeRate.IsPositive() {
					updated.ExchangeRate = approval.ExchangeRate
				}
			}
		case isReversal:
			reason := req.Reason
			updated.ReversalReason = &reason
		case req.NewStatus == model.StatusCompleted:
			updated.CompletedAt = &now
		}
		newSnap = stateSnapshot{Status: updated.Status, Amount: updated.Amount, Version: updated.Version}

		payload, _ := json.Marshal(map[string]interface{}{
			"deposit_id": dep.ID,
			"old_status": oldSnap.Status,
			"new_status": newSnap.Status,
			"actor_id":   req.ActorID,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Deposit", AggregateID: dep.ID, EventType: "DepositTransition", Payload: string(payload),
		})
	})
	if err != nil {
		return nil, err
	}

	result := &TransitionResult{Deposit: &updated, WalletImpact: impact}
	s.auxiliaryWrites(ctx, req, result, oldSnap, newSnap, isReversal)
	return result, nil
}

// auxiliaryWrites lands the best-effort tier: audit log, status history,
// reversal registry, the per-operation reconciliation record and the balance
// cache. A failure here is reported as a warning, never a rollback of the
// already-committed transition.
func (s *DepositService) auxiliaryWrites(ctx context.Context, req TransitionRequest, result *TransitionResult, oldSnap, newSnap stateSnapshot, isReversal bool) {
	db := s.repo.DB(ctx)
	dep := result.Deposit

	warn := func(what string, err error) {
		s.log.Warnf("deposit %d: %s: %v", dep.ID, what, err)
		result.Warnings = append(result.Warnings, what+": "+err.Error())
	}

	action := string(newSnap.Status)
	if isReversal || (oldSnap.Status == model.StatusCompleted && newSnap.Status == model.StatusPending) {
		action = "reverse"
	}
	oldJSON, _ := json.Marshal(oldSnap)
	newJSON, _ := json.Marshal(newSnap)
	audit := &model.AuditLog{
		DepositID:      dep.ID,
		UserID:         dep.UserID,
		WalletID:       dep.WalletID,
		Action:         action,
		OldState:       string(oldJSON),
		NewState:       string(newJSON),
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         "success",
		CompletedAt:    time.Now(),
	}
	if result.WalletImpact != nil {
		impactJSON, _ := json.Marshal(result.WalletImpact)
		str := string(impactJSON)
		audit.WalletImpact = &str
	}
	if err := s.repo.CreateAuditLog(ctx, db, audit); err != nil {
		warn("record audit log", err)
	} else {
		result.AuditLog = audit
	}

	history := &model.StatusHistory{
		DepositID: dep.ID,
		UserID:    dep.UserID,
		OldStatus: oldSnap.Status,
		NewStatus: newSnap.Status,
		ChangedBy: req.ActorID,
	}
	if req.Reason != "" {
		reason := req.Reason
		history.Reason = &reason
	}
	if err := s.repo.CreateStatusHistory(ctx, db, history); err != nil {
		warn("record status history", err)
	}

	if isReversal && result.WalletImpact != nil {
		reason := req.Reason
		if reason == "" {
			reason = "manual_revert"
		}
		reg := &model.ReversalRegistry{
			DepositID:       dep.ID,
			Reason:          reason,
			ReversedBy:      req.ActorID,
			OriginalBalance: result.WalletImpact.BalanceBefore,
			ReversalBalance: result.WalletImpact.BalanceAfter,
			Status:          "active",
		}
		if err := s.repo.CreateReversalRegistry(ctx, db, reg); err != nil {
			warn("record reversal registry", err)
		}
	}

	if result.WalletImpact != nil {
		reconType := model.ReconTypeDepositApproval
		if result.WalletImpact.Operation == OpDebit {
			reconType = model.ReconTypeDepositReversal
		}
		actor := req.ActorID
		rec := &model.ReconciliationRecord{
			WalletID:        dep.WalletID,
			Type:            reconType,
			BalanceBefore:   result.WalletImpact.BalanceBefore,
			BalanceAfter:    result.WalletImpact.BalanceAfter,
			ExpectedBalance: result.WalletImpact.BalanceAfter,
			Discrepancy:     decimal.Zero,
			Status:          model.ReconStatusResolved,
			ActorID:         &actor,
			Reason:          "deposit " + result.WalletImpact.Operation,
		}
		if err := s.repo.CreateReconciliation(ctx, db, rec); err != nil {
			warn("record reconciliation", err)
		}
		if err := s.repo.CacheBalance(ctx, dep.WalletID, result.WalletImpact.BalanceAfter); err != nil {
			warn("cache balance", err)
		}
	}
}

// replay returns the recorded result of a previously completed execution.
func (s *DepositService) replay(ctx context.Context, audit *model.AuditLog) (*TransitionResult, error) {
	result := &TransitionResult{AuditLog: audit, Replayed: true}
	dep, err := s.repo.GetDeposit(ctx, s.repo.DB(ctx), audit.DepositID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	result.Deposit = dep
	if audit.WalletImpact != nil {
		var impact WalletImpact
		if err := json.Unmarshal([]byte(*audit.WalletImpact), &impact); err == nil {
			result.WalletImpact = &impact
		}
	}
	return result, nil
}

// GetAuditTrail reconstructs who changed what, when, with what wallet effect.
func (s *DepositService) GetAuditTrail(ctx context.Context, depositID uint64) (*AuditTrail, error) {
	dep, err := s.repo.GetDeposit(ctx, s.repo.DB(ctx), depositID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}
	logs, err := s.repo.ListAuditTrail(ctx, depositID)
	if err != nil {
		return nil, err
	}
	hist, err := s.repo.ListStatusHistory(ctx, depositID)
	if err != nil {
		return nil, err
	}
	return &AuditTrail{Deposit: dep, AuditLog: logs, History: hist}, nil
}
