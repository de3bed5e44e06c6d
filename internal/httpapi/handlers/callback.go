package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/common"
)

const maxCallbackBody = 4 << 10

// CompleteOrder receives the delayed completion from the worker. Callbacks
// for orders that are no longer PROCESSING on that bot answer 200 so the
// dispatcher does not retry them.
func (h *Handler) CompleteOrder(c *gin.Context) {
	if !h.Verifier.Configured() {
		common.Fail(c, http.StatusInternalServerError, 50001, "callback signing key not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid body")
		return
	}
	if err := h.Verifier.Verify(c.GetHeader(callback.SignatureHeader), body); err != nil {
		h.Log.WithError(err).Warn("callback rejected")
		common.Fail(c, http.StatusForbidden, 40300, "invalid signature")
		return
	}
	p, err := callback.Decode(body)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	}

	done, err := h.Svc.CompleteOrder(c.Request.Context(), p.OrderID, p.BotID, p.Started())
	if err != nil {
		h.fail(c, err)
		return
	}
	if !done {
		common.OK(c, gin.H{"completed": false, "reason": "already finalized"})
		return
	}
	common.OK(c, gin.H{"completed": true})
}
