package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/payments"
	"github.com/mbd888/credits/internal/validation"
)

// CheckoutRequest is the body of POST /v1/payments/:provider.
type CheckoutRequest struct {
	UserID      string            `json:"userId" binding:"required"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Credits     decimal.Decimal   `json:"credits"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// CreatePayment handles POST /v1/payments/:provider. The credits are
// recorded as a pending purchase and granted when the provider's webhook
// confirms the payment.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CheckoutRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.PositiveAmount("amount", req.Amount),
		validation.PositiveAmount("credits", req.Credits),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		respondError(c, validationError(errs))
		return
	}

	resp, err := h.payments.ProcessPayment(c.Request.Context(), c.Param("provider"), payments.PaymentRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Credits:        req.Credits,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": resp})
}

// GetPaymentStatus handles GET /v1/payments/:provider/:id
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	status, err := h.payments.GetPaymentStatus(c.Request.Context(), c.Param("provider"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentId": c.Param("id"), "status": status})
}

// ProviderRefundRequest is the body of POST /v1/payments/:provider/:id/refund.
type ProviderRefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// RefundPayment handles POST /v1/payments/:provider/:id/refund. This returns
// money at the provider; it does not touch ledger balances.
func (h *Handler) RefundPayment(c *gin.Context) {
	var req ProviderRefundRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Amount != nil {
		if errs := validation.Validate(validation.PositiveAmount("amount", *req.Amount)); len(errs) > 0 {
			respondError(c, validationError(errs))
			return
		}
	}

	resp, err := h.payments.ProcessRefund(c.Request.Context(), c.Param("provider"), payments.RefundRequest{
		PaymentID: c.Param("id"),
		Amount:    req.Amount,
		Reason:    validation.SanitizeString(req.Reason, validation.MaxStringLength),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": resp})
}
