package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
)

// bindOptionalJSON accepts an empty body as {}.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return false
	}
	return true
}

func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.Svc.ListOrders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"orders": orders})
}

type createOrderReq struct {
	Type string `json:"type"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderReq
	if !bindOptionalJSON(c, &req) {
		return
	}

	o, err := h.Svc.CreateOrder(c.Request.Context(), fulfillment.OrderType(req.Type))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, o)
}

func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.Svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, o)
}

type updateOrderReq struct {
	Status *string `json:"status"`
	BotID  *string `json:"bot_id"`
}

func (h *Handler) UpdateOrder(c *gin.Context) {
	var req updateOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	in := fulfillment.OrderUpdate{BotID: req.BotID}
	if req.Status != nil {
		s := fulfillment.OrderStatus(*req.Status)
		in.Status = &s
	}
	o, err := h.Svc.UpdateOrder(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, o)
}

func (h *Handler) DeleteOrder(c *gin.Context) {
	id := c.Param("id")
	if err := h.Svc.DeleteOrder(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}

func (h *Handler) ClearOrders(c *gin.Context) {
	res, err := h.Svc.ClearAllOrders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, res)
}
