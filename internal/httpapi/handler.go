// Package httpapi exposes the credits core over HTTP: provider webhook
// ingress, balance and history reads, and operator actions for refunds and
// payment holds.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/auth"
	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/holds"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/pagination"
	"github.com/mbd888/credits/internal/payments"
	"github.com/mbd888/credits/internal/refunds"
	"github.com/mbd888/credits/internal/transactions"
	"github.com/mbd888/credits/internal/validation"
)

const (
	// HeaderIdempotencyKey makes operator credits and refunds safe to retry.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay marks a response served from an earlier request.
	HeaderIdempotentReplay = "Idempotent-Replayed"
	// AdminProvider is the ledger provider recorded on operator actions
	// carrying an idempotency key.
	AdminProvider = "admin"
)

// Handler serves the credits API.
type Handler struct {
	credits      *credits.Manager
	transactions *transactions.Manager
	refunds      *refunds.Manager
	holds        *holds.Manager
	payments     *payments.Orchestrator
}

// NewHandler creates a handler over the core managers.
func NewHandler(c *credits.Manager, t *transactions.Manager, r *refunds.Manager, h *holds.Manager, p *payments.Orchestrator) *Handler {
	return &Handler{credits: c, transactions: t, refunds: r, holds: h, payments: p}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", validation.IDParamMiddleware("id"), h.GetBalance)
	r.GET("/users/:id/transactions", validation.IDParamMiddleware("id"), h.ListTransactions)
	r.GET("/transactions/:id", validation.IDParamMiddleware("id"), h.GetTransaction)
	r.GET("/providers", h.ListProviders)
}

// RegisterWebhookRoutes sets up provider webhook ingress. Requests are
// authenticated by the provider's signature, not by operator auth.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.HandleWebhook)
}

// RegisterAdminRoutes sets up operator routes. The caller mounts them
// behind auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.OpenAccount)
	r.POST("/users/:id/credits", validation.IDParamMiddleware("id"), h.AddCredits)
	r.POST("/users/:id/deductions", validation.IDParamMiddleware("id"), h.DeductCredits)
	r.GET("/users/:id/holds", validation.IDParamMiddleware("id"), h.ListHolds)
	r.POST("/transactions/:id/status", validation.IDParamMiddleware("id"), h.UpdateTransactionStatus)
	r.POST("/transactions/:id/refund", validation.IDParamMiddleware("id"), h.RefundTransaction)
	r.POST("/holds", h.CreateHold)
	r.GET("/holds/:id", validation.IDParamMiddleware("id"), h.GetHold)
	r.GET("/holds/:id/settlement", validation.IDParamMiddleware("id"), h.GetSettlement)
	r.POST("/holds/:id/release", validation.IDParamMiddleware("id"), h.ReleaseHold)
	r.POST("/holds/:id/cancel", validation.IDParamMiddleware("id"), h.CancelHold)
	r.POST("/payments/:provider", h.CreatePayment)
	r.GET("/payments/:provider/:id", validation.IDParamMiddleware("id"), h.GetPaymentStatus)
	r.POST("/payments/:provider/:id/refund", validation.IDParamMiddleware("id"), h.RefundPayment)
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("id")
	balance, err := h.credits.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "balance": balance})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	page, err := pagination.Parse(c.Query("limit"), c.Query("cursor"), transactions.DefaultLimit, transactions.MaxLimit)
	if err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}

	txs, err := h.transactions.GetUserTransactions(c.Request.Context(), c.Param("id"), page.Limit, page.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"transactions": transactions.PublicViews(txs), "count": len(txs)}
	if next := pagination.Next(page, len(txs)); next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.transactions.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if tx == nil {
		respondError(c, ledger.ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": transactions.PublicView(tx)})
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.payments.GetAvailableProviders()})
}

// OpenAccountRequest is the body of POST /v1/users.
type OpenAccountRequest struct {
	UserID         string          `json:"userId" binding:"required"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
}

// OpenAccount handles POST /v1/users
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidID("userId", req.UserID),
	); len(errs) > 0 {
		respondError(c, validationError(errs))
		return
	}

	acct, err := h.credits.OpenAccount(c.Request.Context(), req.UserID, req.OpeningBalance)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// CreditRequest is the body of the credit and deduction routes.
type CreditRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Type        ledger.Type     `json:"type"`
	Description string          `json:"description"`
	Metadata    ledger.Metadata `json:"metadata"`
}

func (r CreditRequest) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.PositiveAmount("amount", r.Amount),
		validation.MaxLength("description", r.Description, validation.MaxStringLength),
	)
}

// AddCredits handles POST /v1/users/:id/credits. Operator credits default
// to the donation type; a purchase must come through a provider webhook.
func (h *Handler) AddCredits(c *gin.Context) {
	var req CreditRequest
	if !bind(c, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondError(c, validationError(errs))
		return
	}
	if req.Type == "" {
		req.Type = ledger.TypeDonation
	}
	if !req.Type.Valid() {
		respondError(c, ledger.ErrInvalidType)
		return
	}

	if h.replayed(c, "transaction") {
		return
	}
	opts := []credits.AddOption{
		credits.WithType(req.Type),
		credits.WithMetadata(req.Metadata.Merge(ledger.Metadata{"actor": auth.Actor(c)})),
	}
	if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
		opts = append(opts, credits.WithExternal(AdminProvider, key))
	}

	tx, err := h.credits.AddCredits(c.Request.Context(), c.Param("id"), req.Amount,
		validation.SanitizeString(req.Description, validation.MaxStringLength), opts...)
	if err != nil {
		h.respondReplay(c, err, "transaction")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// DeductCredits handles POST /v1/users/:id/deductions
func (h *Handler) DeductCredits(c *gin.Context) {
	var req CreditRequest
	if !bind(c, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondError(c, validationError(errs))
		return
	}

	if h.replayed(c, "transaction") {
		return
	}
	var opts []credits.AddOption
	if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
		opts = append(opts, credits.WithExternal(AdminProvider, key))
	}

	tx, err := h.credits.DeductCredits(c.Request.Context(), c.Param("id"), req.Amount,
		validation.SanitizeString(req.Description, validation.MaxStringLength),
		req.Metadata.Merge(ledger.Metadata{"actor": auth.Actor(c)}), opts...)
	if err != nil {
		h.respondReplay(c, err, "transaction")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// StatusRequest is the body of POST /v1/transactions/:id/status.
type StatusRequest struct {
	Status   ledger.Status   `json:"status" binding:"required"`
	Metadata ledger.Metadata `json:"metadata"`
}

// UpdateTransactionStatus handles POST /v1/transactions/:id/status
func (h *Handler) UpdateTransactionStatus(c *gin.Context) {
	var req StatusRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	md := req.Metadata.Merge(ledger.Metadata{"actor": auth.Actor(c)})
	if err := h.transactions.UpdateTransactionStatus(ctx, id, req.Status, md); err != nil {
		respondError(c, err)
		return
	}
	tx, err := h.transactions.GetTransaction(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// RefundRequest is the body of POST /v1/transactions/:id/refund. A missing
// amount refunds the whole deduction.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// RefundTransaction handles POST /v1/transactions/:id/refund
func (h *Handler) RefundTransaction(c *gin.Context) {
	var req RefundRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Amount != nil {
		if errs := validation.Validate(validation.PositiveAmount("amount", *req.Amount)); len(errs) > 0 {
			respondError(c, validationError(errs))
			return
		}
	}

	if h.replayed(c, "refund") {
		return
	}
	opts := []refunds.Option{refunds.WithMetadata(ledger.Metadata{"actor": auth.Actor(c)})}
	if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
		opts = append(opts, refunds.WithExternal(AdminProvider, key))
	}

	tx, err := h.refunds.ProcessRefund(c.Request.Context(), c.Param("id"), req.Amount,
		validation.SanitizeString(req.Reason, validation.MaxStringLength), opts...)
	if err != nil {
		h.respondReplay(c, err, "refund")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": tx})
}

// CreateHold handles POST /v1/holds
func (h *Handler) CreateHold(c *gin.Context) {
	var req holds.CreateRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.ValidID("teacherId", req.TeacherID),
		validation.ValidID("studentId", req.StudentID),
		validation.ValidID("enrollmentId", req.EnrollmentID),
		validation.ValidID("sessionPurchaseId", req.SessionPurchaseID),
		validation.ValidID("deductionTxId", req.DeductionTxID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		respondError(c, validationError(errs))
		return
	}

	hold, err := h.holds.CreateHold(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

// GetHold handles GET /v1/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.holds.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// GetSettlement handles GET /v1/holds/:id/settlement
func (h *Handler) GetSettlement(c *gin.Context) {
	ev, err := h.holds.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": ev})
}

// ListHolds handles GET /v1/users/:id/holds?role=student|teacher
func (h *Handler) ListHolds(c *gin.Context) {
	page, err := pagination.Parse(c.Query("limit"), "", holds.DefaultListLimit, holds.MaxListLimit)
	if err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	userID := c.Param("id")
	var list []*holds.Hold
	switch c.DefaultQuery("role", "student") {
	case "student":
		list, err = h.holds.ListByStudent(ctx, userID, page.Limit)
	case "teacher":
		list, err = h.holds.ListByTeacher(ctx, userID, page.Limit)
	default:
		respondError(c, badRequest("role must be student or teacher"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holds": list, "count": len(list)})
}

// ReleaseHold handles POST /v1/holds/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	hold, err := h.holds.ReleaseHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// CancelRequest is the body of POST /v1/holds/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelHold handles POST /v1/holds/:id/cancel
func (h *Handler) CancelHold(c *gin.Context) {
	var req CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	hold, err := h.holds.CancelHold(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// replayed answers the request with the transaction an earlier request
// with the same Idempotency-Key produced, if there is one.
func (h *Handler) replayed(c *gin.Context, field string) bool {
	key := c.GetHeader(HeaderIdempotencyKey)
	if key == "" {
		return false
	}
	tx, err := h.transactions.FindByExternalID(c.Request.Context(), AdminProvider, key)
	if err != nil || tx == nil {
		return false
	}
	c.Header(HeaderIdempotentReplay, "true")
	c.JSON(http.StatusOK, gin.H{field: tx})
	return true
}

// respondReplay renders err, except when two requests with one key raced
// past replayed and the ledger rejected the loser: that one gets the
// winner's transaction.
func (h *Handler) respondReplay(c *gin.Context, err error, field string) {
	if !errors.Is(err, ledger.ErrDuplicateExternalID) || !h.replayed(c, field) {
		respondError(c, err)
	}
}

// bind decodes a required JSON body, responding 400 on failure.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, badRequest("Invalid request body"))
		return false
	}
	return true
}

// bindOptional decodes a JSON body that may be absent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bind(c, dst)
}
