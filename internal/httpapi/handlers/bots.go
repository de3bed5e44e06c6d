package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
)

func (h *Handler) ListBots(c *gin.Context) {
	bots, err := h.Svc.ListBots(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"bots": bots})
}

type createBotReq struct {
	BotType string `json:"bot_type"`
}

func (h *Handler) CreateBot(c *gin.Context) {
	var req createBotReq
	if !bindOptionalJSON(c, &req) {
		return
	}
	b, err := h.Svc.CreateBot(c.Request.Context(), fulfillment.BotType(req.BotType))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, b)
}

type updateBotReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) UpdateBot(c *gin.Context) {
	var req updateBotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	b, err := h.Svc.UpdateBot(c.Request.Context(), c.Param("id"), fulfillment.BotStatus(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, b)
}

func (h *Handler) DeleteBot(c *gin.Context) {
	id := c.Param("id")
	if err := h.Svc.DeleteBot(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}

// ClaimBot always answers 200 for "ok" and "no_order"; the poller just asks
// again on its next tick.
func (h *Handler) ClaimBot(c *gin.Context) {
	res, err := h.Svc.ClaimForBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Status {
	case fulfillment.ClaimOK, fulfillment.ClaimNoOrder:
		common.OK(c, gin.H{"outcome": res.Status, "order": res.Order, "bot": res.Bot})
	case fulfillment.ClaimBotNotFound:
		common.Fail(c, http.StatusNotFound, 40400, "bot not found")
	case fulfillment.ClaimBotBusy:
		common.Fail(c, http.StatusConflict, 40901, "bot is busy")
	default:
		common.Fail(c, http.StatusConflict, 40900, "claim lost a race, retry")
	}
}
