// Package gin provides the Gin adapter for the apix payment gate.
package gin

import (
	"context"

	"github.com/gin-gonic/gin"

	apix "github.com/apixlabs/apix-go"
)

// TokenContextKey is the gin context key holding the active session token.
const TokenContextKey = "apixToken"

// Token returns the session token attached to an approved request.
func Token(c *gin.Context) string {
	return c.GetString(TokenContextKey)
}

// PaymentMiddleware is the Gin middleware for the pay-per-call gate.
// Requests without proof are aborted with the 402 challenge; approved
// requests run the handler chain and finalize the quota reservation
// exactly once, refunding on server errors and panics.
func PaymentMiddleware(gate *apix.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		grant, denial := gate.Approve(c.Request.Context(), c.GetHeader("Authorization"))
		if denial != nil {
			for k, v := range denial.Headers {
				c.Header(k, v)
			}
			c.AbortWithStatusJSON(denial.Status, denial.Body)
			return
		}

		c.Set(TokenContextKey, grant.Token)
		finishCtx := context.WithoutCancel(c.Request.Context())

		defer func() {
			if rec := recover(); rec != nil {
				grant.Finish(finishCtx, false)
				panic(rec)
			}
			grant.Finish(finishCtx, apix.SuccessfulStatus(c.Writer.Status()))
		}()

		c.Next()
	}
}
