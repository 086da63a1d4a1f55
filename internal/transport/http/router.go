package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/order-outbox-service/internal/config"
	"github.com/richardliu001/order-outbox-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.OrderService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(CorrelationMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(RecoveryMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
