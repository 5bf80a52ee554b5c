package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pasarchain/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListMine)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/pay", h.RecordPayment)
	r.POST("/transactions/:id/deliver", h.MarkDelivered)
}

// RegisterAdminRoutes sets up admin-only transaction routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/fail", h.FailTransaction)
	r.POST("/transactions/:id/refund", h.RefundTransaction)
	r.GET("/transactions/review", h.ListNeedsReview)
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	ProductID string `json:"productId" binding:"required"`
}

// DeliverRequest carries the seller's delivery proof.
type DeliverRequest struct {
	Proof string `json:"proof" binding:"required"`
}

// PaymentRequest reports the buyer's escrow funding transaction.
type PaymentRequest struct {
	EscrowID        *int64 `json:"escrowId" binding:"required"`
	ContractAddress string `json:"contractAddress" binding:"required"`
	TxHash          string `json:"txHash" binding:"required"`
}

// AdminActionRequest carries the admin note for fail/refund actions.
type AdminActionRequest struct {
	Note string `json:"note"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "productId is required",
		})
		return
	}

	buyerID := c.GetString("authUserID")
	tx, err := h.service.Create(c.Request.Context(), req.ProductID, buyerID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrProductNotFound):
			status = http.StatusNotFound
			code = "product_not_found"
		case errors.Is(err, ErrSelfPurchase):
			status = http.StatusBadRequest
			code = "self_purchase"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if !tx.Party(c.GetString("authUserID")) && !c.GetBool("authIsAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListMine handles GET /v1/transactions
func (h *Handler) ListMine(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	txs, err := h.service.ListByParty(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// RecordPayment handles POST /v1/transactions/:id/pay. The buyer reports the
// escrow funding transaction; the record moves through PAID_ON_CHAIN into
// AWAITING_DELIVERY.
func (h *Handler) RecordPayment(c *gin.Context) {
	id := c.Param("id")

	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId, contractAddress and txHash are required",
		})
		return
	}
	if !validation.IsValidEthAddress(req.ContractAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "contractAddress must be a valid Ethereum address",
		})
		return
	}
	if !validation.IsValidTxHash(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": "txHash must be a 0x-prefixed 32-byte hash",
		})
		return
	}

	tx, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	if c.GetString("authUserID") != tx.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the buyer can report payment",
		})
		return
	}

	updated, err := h.service.RecordPayment(c.Request.Context(), id, Payload{
		EscrowID:            req.EscrowID,
		ContractAddress:     req.ContractAddress,
		SmartContractTxHash: req.TxHash,
	})
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": updated})
}

// MarkDelivered handles POST /v1/transactions/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	id := c.Param("id")

	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "proof is required",
		})
		return
	}

	tx, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	if c.GetString("authUserID") != tx.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the seller can mark a transaction delivered",
		})
		return
	}

	updated, err := h.service.RequestTransition(c.Request.Context(), id, StatusDelivered, Payload{
		SellerDeliveryProof: validation.SanitizeString(req.Proof, validation.MaxStringLength),
	})
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": updated})
}

// FailTransaction handles POST /v1/transactions/:id/fail (admin abort; no funds moved)
func (h *Handler) FailTransaction(c *gin.Context) {
	var req AdminActionRequest
	_ = c.ShouldBindJSON(&req)

	updated, err := h.service.RequestTransition(c.Request.Context(), c.Param("id"), StatusFailed, Payload{
		FailNote: validation.SanitizeString(req.Note, validation.MaxStringLength),
	})
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": updated})
}

// RefundTransaction handles POST /v1/transactions/:id/refund (admin-driven refund)
func (h *Handler) RefundTransaction(c *gin.Context) {
	var req AdminActionRequest
	_ = c.ShouldBindJSON(&req)

	updated, err := h.service.RequestTransition(c.Request.Context(), c.Param("id"), StatusRefunded, Payload{
		RefundedBy: c.GetString("authUserID"),
		RefundNote: validation.SanitizeString(req.Note, validation.MaxStringLength),
	})
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": updated})
}

// ListNeedsReview handles GET /v1/transactions/review
func (h *Handler) ListNeedsReview(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	txs, err := h.service.ListNeedsReview(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// respondTransitionError maps orchestrator errors onto HTTP responses.
func respondTransitionError(c *gin.Context, err error) {
	var invalid *InvalidTransitionError
	var missing *MissingFieldsError
	var unverified *PaymentNotVerifiedError

	switch {
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": invalid.Error(),
			"from":    invalid.From,
			"to":      invalid.To,
		})
	case errors.As(err, &missing):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": missing.Error(),
			"fields":  missing.Fields,
		})
	case errors.As(err, &unverified):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "payment_not_verified",
			"message": unverified.Error(),
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "Transaction was modified concurrently, retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
