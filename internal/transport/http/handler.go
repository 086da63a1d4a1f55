package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-outbox-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.OrderService) {
	api := r.Group("/api")
	{
		api.POST("/orders", submitOrderHandler(svc))
		api.GET("/outbox/pending", pendingHandler(svc))
		api.GET("/messages/processed", processedHandler(svc))
	}
	r.GET("/health", healthHandler(svc))
}

type submitOrderReq struct {
	CustomerName string           `json:"customer_name" binding:"required"`
	Amount       *decimal.Decimal `json:"amount" binding:"required"`
}

func submitOrderHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitOrderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.SubmitOrder(c.Request.Context(), service.SubmitOrderInput{
			CustomerName:  req.CustomerName,
			Amount:        *req.Amount,
			CorrelationID: c.GetString(correlationKey),
		})
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidCustomer):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			_ = c.Error(err)
			writeProblem(c, http.StatusInternalServerError, "Order could not be stored")
			return
		}
		c.Header("Location", "/api/orders/"+res.OrderID)
		c.JSON(http.StatusAccepted, gin.H{"id": res.OrderID, "message_id": res.EventID})
	}
}

func pendingHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.PendingOutboxCount(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			writeProblem(c, http.StatusInternalServerError, "Outbox unavailable")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

func processedHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.ProcessedCount(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			writeProblem(c, http.StatusInternalServerError, "Ledger unavailable")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

func healthHandler(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Healthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
