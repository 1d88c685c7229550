package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/payments"
)

// signatureHeaders are checked in order for the webhook signature.
var signatureHeaders = []string{"Stripe-Signature", "X-Webhook-Signature"}

// HandleWebhook handles POST /v1/webhooks/:provider. The raw body is
// passed through untouched since signatures cover the exact bytes. A 2xx
// tells the provider to stop redelivering, so only errors the provider
// could fix by retrying come back as 5xx.
func (h *Handler) HandleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, badRequest("Unable to read request body"))
		return
	}

	var signature string
	for _, name := range signatureHeaders {
		if signature = c.GetHeader(name); signature != "" {
			break
		}
	}

	ctx := logging.With(c.Request.Context(), "provider", provider)
	err = h.payments.HandleWebhook(ctx, provider, payments.WebhookEvent{
		Payload:    payload,
		Signature:  signature,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
