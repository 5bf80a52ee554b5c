package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pasarchain/escrowd/internal/transaction"
	"github.com/pasarchain/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up authenticated dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.GET("/transactions/:id/disputes", h.ListByTransaction)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpen)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Description   string `json:"description" binding:"required"`
	Evidence      string `json:"evidence"`
}

// EvidenceRequest carries one side's evidence.
type EvidenceRequest struct {
	Content string `json:"content" binding:"required"`
}

// ResolveRequest contains the admin ruling.
type ResolveRequest struct {
	Winner           string `json:"winner" binding:"required"`
	Note             string `json:"note"`
	ResolutionTxHash string `json:"resolutionTxHash"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId and description are required",
		})
		return
	}

	req.Description = validation.SanitizeString(req.Description, 2000)
	req.Evidence = validation.SanitizeString(req.Evidence, 4000)

	d, err := h.manager.Open(c.Request.Context(), req.TransactionID, c.GetString("authUserID"), req.Description, req.Evidence)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "content is required",
		})
		return
	}

	d, err := h.manager.SubmitEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), validation.SanitizeString(req.Content, 4000))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByTransaction handles GET /v1/transactions/:id/disputes
func (h *Handler) ListByTransaction(c *gin.Context) {
	disputes, err := h.manager.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// ListOpen handles GET /v1/admin/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.manager.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner is required",
		})
		return
	}
	if req.ResolutionTxHash != "" && !validation.IsValidTxHash(req.ResolutionTxHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolutionTxHash must be a 0x-prefixed 32-byte hash",
		})
		return
	}

	d, err := h.manager.Resolve(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), Winner(req.Winner),
		validation.SanitizeString(req.Note, 2000), req.ResolutionTxHash)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var invalid *transaction.InvalidTransitionError
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, transaction.ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyOpen):
		status = http.StatusConflict
		code = "dispute_already_open"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "dispute_already_resolved"
	case errors.Is(err, ErrNotDisputable), errors.As(err, &invalid):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrNotParty):
		status = http.StatusForbidden
		code = "not_participant"
	case errors.Is(err, ErrUnknownWinner), errors.Is(err, ErrEmptyDescription):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, transaction.ErrConcurrentModification):
		status = http.StatusConflict
		code = "concurrent_modification"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
