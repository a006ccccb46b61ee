package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/deposit-ledger/internal/config"
	"github.com/richardliu001/deposit-ledger/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.DepositService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)
	return r
}
