package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/httpapi/handlers"
	"github.com/suPer8Hu/order-bots/internal/httpapi/middleware"
	"github.com/suPer8Hu/order-bots/internal/metrics"
)

type Deps struct {
	Service  *fulfillment.Service
	Verifier *callback.Verifier
	Metrics  *metrics.Collector // nil disables /metrics
	Log      logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.Recovery(d.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(d.Service, d.Verifier, d.Log)

	r.GET("/ping", h.Ping)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/api")

	// orders
	api.GET("/orders", h.ListOrders)
	api.POST("/orders", h.CreateOrder)
	api.DELETE("/orders/clear", h.ClearOrders)
	api.GET("/orders/:id", h.GetOrder)
	api.PATCH("/orders/:id", h.UpdateOrder)
	api.DELETE("/orders/:id", h.DeleteOrder)

	// delayed completion (signed by the worker)
	api.POST("/orders/complete", h.CompleteOrder)

	// bots
	api.GET("/bots", h.ListBots)
	api.POST("/bots", h.CreateBot)
	api.PATCH("/bots/:id", h.UpdateBot)
	api.DELETE("/bots/:id", h.DeleteBot)
	api.POST("/bots/:id/claim", h.ClaimBot)
	return r
}
