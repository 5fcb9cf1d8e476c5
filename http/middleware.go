package http

import (
	"context"
	"encoding/json"
	"net/http"

	apix "github.com/apixlabs/apix-go"
)

type contextKey struct{}

// tokenKey stores the active session token in the request context.
var tokenKey contextKey

// TokenFromContext returns the session token attached to an approved
// request, or "" when the request did not pass through the middleware.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// Middleware wraps a handler with the pay-per-call authorization check.
// Unauthenticated requests receive the 402 challenge; approved requests
// carry the session token in their context, and the quota reservation is
// finalized exactly once when the handler returns or panics.
func Middleware(gate *apix.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, denial := gate.Approve(r.Context(), r.Header.Get("Authorization"))
			if denial != nil {
				WriteDenial(w, denial)
				return
			}

			// Finalization must not be cut short by the client hanging up.
			finishCtx := context.WithoutCancel(r.Context())

			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				if rec := recover(); rec != nil {
					// Aborted before a response was decided: refund.
					grant.Finish(finishCtx, false)
					panic(rec)
				}
				grant.Finish(finishCtx, apix.SuccessfulStatus(sw.Status()))
			}()

			ctx := context.WithValue(r.Context(), tokenKey, grant.Token)
			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

// WriteDenial writes a Gate denial as a JSON response.
func WriteDenial(w http.ResponseWriter, denial *apix.Denial) {
	for k, v := range denial.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(denial.Status)
	_ = json.NewEncoder(w).Encode(denial.Body)
}

// statusWriter captures the response status so the middleware can pick
// commit or rollback after the handler runs.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the written status code, defaulting to 200.
func (w *statusWriter) Status() int {
	if !w.written {
		return http.StatusOK
	}
	return w.status
}

// Flush passes through to the wrapped writer when it supports streaming.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// NewGate wires a Gate from configuration: HTTP facilitator client, the
// configured session store or remote session authority, and the verifier.
func NewGate(cfg apix.Config, details apix.PaymentDetails, opts ...apix.GateOption) (*apix.Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	facilitator := NewFacilitatorClient(&FacilitatorConfig{URL: cfg.FacilitatorURL})

	var (
		authority    apix.SessionAuthority
		verifierOpts = []apix.VerifierOption{apix.WithDefaultQuota(cfg.DefaultQuota)}
	)
	if cfg.UseCloudSessionState {
		authority = NewAuthorityClient(&AuthorityConfig{URL: cfg.AuthorityURL()})
	} else {
		store, err := cfg.NewStore()
		if err != nil {
			return nil, err
		}
		authority = apix.NewQuotaEngine(store)
		verifierOpts = append(verifierOpts, apix.WithSessionStore(store))
	}

	verifier, err := apix.NewVerifier(facilitator, []byte(cfg.Secret), verifierOpts...)
	if err != nil {
		return nil, err
	}

	return apix.NewGate(authority, verifier, details, opts...), nil
}
