package apix

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// DenialBody is the JSON body of a 403 (or non-challenge 402) response.
type DenialBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Denial instructs a transport adapter to terminate the call.
type Denial struct {
	Status  int
	Headers map[string]string
	Body    any
}

// Grant is an approved call. Token is the active session credential for
// downstream use; Finish must be called exactly once when the call
// completes. Calling Finish more than once is safe: only the first call
// takes effect, so racing "completed" and "aborted" notifications cannot
// double-finalize.
type Grant struct {
	Token string

	once      sync.Once
	authority SessionAuthority
	logger    *slog.Logger
}

// Finish commits the quota deduction on success or refunds it on failure.
// Errors from the authority are logged and swallowed: the response sent
// to the caller is authoritative, quota bookkeeping is best-effort
// reconciliation after the fact.
func (g *Grant) Finish(ctx context.Context, success bool) {
	g.once.Do(func() {
		var err error
		if success {
			err = g.authority.Commit(ctx, g.Token)
		} else {
			err = g.authority.Rollback(ctx, g.Token)
		}
		if err != nil {
			g.logger.Error("session finalization failed",
				"success", success, "error", err)
		}
	})
}

// Gate composes the verifier, the session authority, and the challenge
// builder into the per-call decision procedure exposed to HTTP adapters.
type Gate struct {
	authority SessionAuthority
	verifier  *Verifier
	details   PaymentDetails
	logger    *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a Gate. The authority decides session transitions, the
// verifier handles raw payment references, and details parameterize both
// the 402 challenge and facilitator verification.
func NewGate(authority SessionAuthority, verifier *Verifier, details PaymentDetails, opts ...GateOption) *Gate {
	g := &Gate{
		authority: authority,
		verifier:  verifier,
		details:   details,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Approve runs the decision procedure for one inbound call given its
// Authorization header. It returns either a Denial to write out, or a
// Grant whose Finish the adapter must invoke exactly once on completion.
func (g *Gate) Approve(ctx context.Context, authorization string) (*Grant, *Denial) {
	proof := ExtractProof(authorization)
	if proof == "" {
		challenge := NewChallenge(g.details)
		return nil, &Denial{
			Status:  http.StatusPaymentRequired,
			Headers: challenge.Headers,
			Body:    challenge.Body,
		}
	}

	token := proof
	if IsPaymentReference(proof) {
		result := g.verifier.VerifyPayment(ctx, proof, g.details)
		if !result.Success {
			return nil, &Denial{
				Status: http.StatusForbidden,
				Body: DenialBody{
					Error:     "Forbidden",
					Message:   result.Message,
					Code:      result.Code,
					Retryable: result.Retryable,
					RequestID: result.RequestID,
				},
			}
		}
		token = result.Token
	} else {
		valid, err := g.authority.Validate(ctx, token)
		if err != nil {
			// Fail closed: an unreachable authority must not grant access.
			g.logger.Error("session validation failed", "error", err)
			return nil, &Denial{
				Status: http.StatusForbidden,
				Body: DenialBody{
					Error:     "Forbidden",
					Message:   "Session validation unavailable.",
					Code:      ErrCodeAuthorityUnreachable,
					Retryable: true,
				},
			}
		}
		if !valid {
			return nil, &Denial{
				Status: http.StatusForbidden,
				Body: DenialBody{
					Error:   "Forbidden",
					Message: "Invalid or expired session.",
					Code:    ErrCodeSessionInvalid,
				},
			}
		}
	}

	started, err := g.authority.Start(ctx, token)
	if err != nil {
		g.logger.Error("session start failed", "error", err)
		return nil, &Denial{
			Status: http.StatusForbidden,
			Body: DenialBody{
				Error:     "Forbidden",
				Message:   "Session reservation unavailable.",
				Code:      ErrCodeAuthorityUnreachable,
				Retryable: true,
			},
		}
	}
	if !started {
		return nil, &Denial{
			Status: http.StatusPaymentRequired,
			Body: DenialBody{
				Error:   "Payment Required",
				Message: "Session quota exceeded.",
				Code:    ErrCodeQuotaExceeded,
			},
		}
	}

	return &Grant{Token: token, authority: g.authority, logger: g.logger}, nil
}

// SuccessfulStatus classifies a response status for finalization: client
// errors still consume quota (the call was served), server errors refund.
func SuccessfulStatus(status int) bool {
	return status >= 200 && status < 500
}
