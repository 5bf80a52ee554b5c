package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/transaction"
	"github.com/pasarchain/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the escrow protocol.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/prepare", h.Prepare)
	r.POST("/escrow/confirm", h.Confirm)
	r.POST("/escrow/dispute", h.Dispute)
	r.POST("/escrow/confirm-callback", h.ConfirmCallback)
	r.POST("/escrow/dispute-callback", h.DisputeCallback)
	r.GET("/escrow/:escrowId", h.GetStatus)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/resolve-dispute", h.ResolveDisputeCallback)
}

// PrepareRequest asks for unsigned call data for an escrow action.
type PrepareRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Action        string `json:"action" binding:"required"`
	// BuyerWins is only consulted for the resolve action.
	BuyerWins bool `json:"buyerWins"`
}

// PrecheckRequest names the transaction for an eligibility pre-check.
type PrecheckRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
}

// CallbackRequest reports a submitted on-chain action.
type CallbackRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	TxHash        string `json:"txHash" binding:"required"`
	// Description is only used by the dispute callback.
	Description string `json:"description"`
}

// Prepare handles POST /v1/escrow/prepare
func (h *Handler) Prepare(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId and action are required",
		})
		return
	}

	action := chain.Action(req.Action)
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action must be confirm, dispute or resolve",
		})
		return
	}
	if action == chain.ActionResolve && !c.GetBool("authIsAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "resolve is an admin action",
		})
		return
	}

	result, err := h.service.Prepare(c.Request.Context(), req.TransactionID, action,
		c.GetString("authUserID"), req.BuyerWins)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Confirm handles POST /v1/escrow/confirm: the buyer's eligibility
// pre-check before signing anything.
func (h *Handler) Confirm(c *gin.Context) {
	h.precheck(c, chain.ActionConfirm)
}

// Dispute handles POST /v1/escrow/dispute: either party's eligibility
// pre-check before signing anything.
func (h *Handler) Dispute(c *gin.Context) {
	h.precheck(c, chain.ActionDispute)
}

func (h *Handler) precheck(c *gin.Context, action chain.Action) {
	var req PrecheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId is required",
		})
		return
	}

	tx, err := h.service.Eligibility(c.Request.Context(), req.TransactionID, action, c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible": true, "transaction": tx})
}

// ConfirmCallback handles POST /v1/escrow/confirm-callback
func (h *Handler) ConfirmCallback(c *gin.Context) {
	req, ok := h.bindCallback(c)
	if !ok {
		return
	}

	tx, err := h.service.ConfirmCallback(c.Request.Context(), req.TransactionID,
		c.GetString("authUserID"), c.GetString("authWalletAddr"), req.TxHash)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// DisputeCallback handles POST /v1/escrow/dispute-callback
func (h *Handler) DisputeCallback(c *gin.Context) {
	req, ok := h.bindCallback(c)
	if !ok {
		return
	}

	tx, err := h.service.DisputeCallback(c.Request.Context(), req.TransactionID,
		c.GetString("authUserID"), c.GetString("authWalletAddr"), req.TxHash,
		validation.SanitizeString(req.Description, 2000))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ResolveDisputeCallback handles POST /v1/admin/escrow/resolve-dispute
func (h *Handler) ResolveDisputeCallback(c *gin.Context) {
	req, ok := h.bindCallback(c)
	if !ok {
		return
	}

	tx, err := h.service.ResolveDisputeCallback(c.Request.Context(), req.TransactionID,
		c.GetString("authUserID"), req.TxHash)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetStatus handles GET /v1/escrow/:escrowId
func (h *Handler) GetStatus(c *gin.Context) {
	escrowID, err := strconv.ParseInt(c.Param("escrowId"), 10, 64)
	if err != nil || escrowID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId must be a non-negative integer",
		})
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), escrowID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) bindCallback(c *gin.Context) (CallbackRequest, bool) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId and txHash are required",
		})
		return req, false
	}
	if !validation.IsValidTxHash(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash must be a 0x-prefixed 32-byte hash",
		})
		return req, false
	}
	return req, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var reconcile *ReconciliationRequiredError
	var invalid *transaction.InvalidTransitionError
	switch {
	case errors.Is(err, transaction.ErrTransactionNotFound), errors.Is(err, ErrIntentNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, transaction.ErrNotParticipant):
		status = http.StatusForbidden
		code = "not_participant"
	case errors.Is(err, ErrWrongSigner):
		status = http.StatusForbidden
		code = "wrong_signer"
	case errors.Is(err, ErrNotEligible), errors.As(err, &invalid):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrNoEscrow):
		status = http.StatusConflict
		code = "no_escrow"
	case errors.Is(err, chain.ErrTxNotFound):
		status = http.StatusBadGateway
		code = "tx_not_found"
	case errors.Is(err, chain.ErrTxReverted):
		status = http.StatusBadRequest
		code = "tx_reverted"
	case errors.Is(err, chain.ErrEventMismatch):
		status = http.StatusBadRequest
		code = "event_mismatch"
	case errors.As(err, &reconcile):
		status = http.StatusInternalServerError
		code = "reconciliation_required"
	case errors.Is(err, transaction.ErrConcurrentModification):
		status = http.StatusConflict
		code = "concurrent_modification"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
