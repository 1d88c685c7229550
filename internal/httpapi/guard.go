package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BalanceChecker is the read-only view of the credit manager used for
// access control. *credits.Manager implements it.
type BalanceChecker interface {
	HasSufficientCredits(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RequireCredits rejects requests from users whose balance does not cover
// amount with 402 and the current balance. userOf extracts the user from
// the request; an empty user is rejected with 401.
//
// The check only reads: it does not reserve funds, and a later deduction
// re-checks the balance atomically.
func RequireCredits(checker BalanceChecker, amount decimal.Decimal, userOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := userOf(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A user is required for this resource.",
			})
			return
		}

		ctx := c.Request.Context()
		ok, err := checker.HasSufficientCredits(ctx, userID, amount)
		if err != nil {
			respondError(c, err)
			return
		}
		if ok {
			c.Next()
			return
		}

		balance, err := checker.GetBalance(ctx, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":    "insufficient_credits",
			"message":  "Not enough credits for this resource.",
			"balance":  balance,
			"required": amount,
		})
	}
}

// UserParam reads the user from the named URL parameter.
func UserParam(name string) func(*gin.Context) string {
	return func(c *gin.Context) string { return c.Param(name) }
}
