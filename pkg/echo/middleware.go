// Package echo provides the Echo adapter for the apix payment gate.
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apix "github.com/apixlabs/apix-go"
)

// TokenContextKey is the echo context key holding the active session token.
const TokenContextKey = "apixToken"

// Token returns the session token attached to an approved request.
func Token(c echo.Context) string {
	token, _ := c.Get(TokenContextKey).(string)
	return token
}

// PaymentMiddleware is the Echo middleware for the pay-per-call gate.
// Requests without proof receive the 402 challenge; approved requests run
// the handler and finalize the quota reservation exactly once, refunding
// on server errors and panics.
func PaymentMiddleware(gate *apix.Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			grant, denial := gate.Approve(c.Request().Context(), c.Request().Header.Get("Authorization"))
			if denial != nil {
				for k, v := range denial.Headers {
					c.Response().Header().Set(k, v)
				}
				return c.JSON(denial.Status, denial.Body)
			}

			c.Set(TokenContextKey, grant.Token)
			finishCtx := context.WithoutCancel(c.Request().Context())

			defer func() {
				if rec := recover(); rec != nil {
					grant.Finish(finishCtx, false)
					panic(rec)
				}
			}()

			err := next(c)
			grant.Finish(finishCtx, apix.SuccessfulStatus(outcomeStatus(c, err)))
			return err
		}
	}
}

// outcomeStatus resolves the status the response will carry: the written
// status when the handler answered itself, the HTTPError code when it
// returned one, 500 for any other error.
func outcomeStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return http.StatusInternalServerError
}
