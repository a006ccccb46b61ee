package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/deposit-ledger/internal/model"
	"github.com/richardliu001/deposit-ledger/internal/repo"
	"github.com/richardliu001/deposit-ledger/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.DepositService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/deposits/:id/transition", transitionHandler(svc))
		v1.POST("/deposits/:id/approve", approveHandler(svc))
		v1.GET("/deposits/:id/audit", auditTrailHandler(svc))
		v1.POST("/wallets/:id/reconcile", reconcileHandler(svc))
		v1.GET("/wallets/:id/balance", balanceHandler(svc))
		v1.GET("/wallets/:id/history", historyHandler(svc))
	}
}

type transitionReq struct {
	NewStatus      string `json:"new_status" binding:"required"`
	ActorID        uint64 `json:"actor_id" binding:"required"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func transitionHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deposit id"})
			return
		}
		status := model.DepositStatus(req.NewStatus)
		if !status.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + req.NewStatus})
			return
		}
		res, err := svc.Transition(c, service.TransitionRequest{
			DepositID:      id,
			NewStatus:      status,
			ActorID:        req.ActorID,
			Reason:         req.Reason,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type approveReq struct {
	ActorID        uint64 `json:"actor_id" binding:"required"`
	Reason         string `json:"reason"`
	ReceivedAmount string `json:"received_amount"`
	ExchangeRate   string `json:"exchange_rate"`
}

func approveHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req approveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deposit id"})
			return
		}
		areq := service.ApprovalRequest{DepositID: id, ActorID: req.ActorID, Reason: req.Reason}
		if req.ReceivedAmount != "" {
			amt, err := decimal.NewFromString(req.ReceivedAmount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid received_amount"})
				return
			}
			areq.ReceivedAmount = &amt
		}
		if req.ExchangeRate != "" {
			rate, err := decimal.NewFromString(req.ExchangeRate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exchange_rate"})
				return
			}
			areq.ExchangeRate = rate
		}
		res, err := svc.Approve(c, areq)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func auditTrailHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deposit id"})
			return
		}
		trail, err := svc.GetAuditTrail(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, trail)
	}
}

func reconcileHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
			return
		}
		var actor *uint64
		if v := c.Query("actor_id"); v != "" {
			a, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor_id"})
				return
			}
			actor = &a
		}
		rec, err := svc.Ledger().Reconcile(c, id, actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func balanceHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
			return
		}
		bal, err := svc.Ledger().GetBalance(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func historyHandler(svc *service.DepositService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.Ledger().GetHistory(c, id, limit, since)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

// writeError maps the error taxonomy to HTTP statuses: missing aggregates are
// 404, transition-table and input violations 400, balance violations 422, and
// version conflicts 409 so retry logic can tell conflicts from rejections.
func writeError(c *gin.Context, err error) {
	var invalid *service.InvalidTransitionError
	switch {
	case errors.Is(err, service.ErrDepositNotFound), errors.Is(err, service.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid), errors.Is(err, service.ErrUnknownStatus), errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "deposit was modified concurrently, refresh and retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
