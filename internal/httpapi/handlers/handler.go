package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/httpapi/middleware"
)

type Handler struct {
	Svc      *fulfillment.Service
	Verifier *callback.Verifier
	Log      logrus.FieldLogger
}

func NewHandler(svc *fulfillment.Service, verifier *callback.Verifier, log logrus.FieldLogger) *Handler {
	if verifier == nil {
		verifier = callback.NewVerifier("", "")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Svc: svc, Verifier: verifier, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps service errors onto HTTP statuses and envelope codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fulfillment.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, err.Error())
	case errors.Is(err, fulfillment.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, fulfillment.ErrBusy):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, fulfillment.ErrConflict):
		common.Fail(c, http.StatusConflict, 40900, "conflict, retry")
	case errors.Is(err, fulfillment.ErrConfiguration):
		common.Fail(c, http.StatusInternalServerError, 50001, err.Error())
	default:
		h.Log.WithError(err).WithField("request_id", c.GetString(middleware.RequestIDKey)).Error("request failed")
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}
