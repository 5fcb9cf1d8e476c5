package apix

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// FacilitatorClient is the outbound boundary to the payment facilitator,
// the external collaborator that authoritatively verifies a payment
// reference against a ledger and issues a signed session credential.
//
// Implementations return the facilitator's structured verdict for both
// accepted and rejected payments; an error means the facilitator could
// not be reached or produced an unusable response.
type FacilitatorClient interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)
}

// Verifier turns raw payment proof into a session credential: it asks the
// facilitator for a verdict, checks the returned credential's signature
// against the shared secret, and seeds a fresh session record.
type Verifier struct {
	facilitator  FacilitatorClient
	secret       []byte
	store        SessionStore
	defaultQuota int
	logger       *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithSessionStore sets the store new sessions are seeded into. Leave
// unset when a remote session authority owns session state.
func WithSessionStore(store SessionStore) VerifierOption {
	return func(v *Verifier) { v.store = store }
}

// WithDefaultQuota overrides the quota used when the credential carries
// no max_requests claim.
func WithDefaultQuota(quota int) VerifierOption {
	return func(v *Verifier) { v.defaultQuota = quota }
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier creates a Verifier. The secret must match the facilitator's
// credential signing key.
func NewVerifier(facilitator FacilitatorClient, secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	v := &Verifier{
		facilitator:  facilitator,
		secret:       secret,
		defaultQuota: DefaultQuota,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyPayment verifies txHash with the facilitator and, on a positive
// verdict, returns the issued session credential. Every failure carries a
// stable code and a retryability flag.
func (v *Verifier) VerifyPayment(ctx context.Context, txHash string, details PaymentDetails) VerificationResult {
	if txHash == "" {
		return VerificationResult{
			Success: false,
			Message: "Transaction hash is missing.",
			Code:    ErrCodeMissingTxHash,
		}
	}

	resp, err := v.facilitator.Verify(ctx, VerifyRequest{
		TxHash:           txHash,
		RequestID:        details.RequestID,
		ChainID:          details.ChainID,
		Network:          details.Network,
		Recipient:        details.Recipient,
		AmountWei:        details.AmountWei,
		Currency:         details.Currency,
		MinConfirmations: details.MinConfirmations,
	})
	if err != nil {
		v.logger.Error("facilitator verification failed",
			"request_id", details.RequestID, "error", err)
		return VerificationResult{
			Success:   false,
			Message:   "Failed to connect to facilitator.",
			Code:      ErrCodeFacilitatorUnreachable,
			Retryable: true,
			RequestID: details.RequestID,
		}
	}

	if !resp.Valid || resp.Token == "" {
		message := resp.Message
		if message == "" {
			message = "Verification failed."
		}
		return VerificationResult{
			Success:   false,
			Message:   message,
			Code:      resp.Code,
			Retryable: resp.Retryable,
			RequestID: resp.RequestID,
		}
	}

	claims, err := v.parseCredential(resp.Token)
	if err != nil {
		v.logger.Error("credential signature verification failed",
			"request_id", resp.RequestID, "error", err)
		return VerificationResult{
			Success:   false,
			Message:   "Invalid token from facilitator.",
			Code:      ErrCodeInvalidCloudToken,
			RequestID: resp.RequestID,
		}
	}

	if v.store != nil {
		quota := claims.MaxRequests
		if quota <= 0 {
			quota = v.defaultQuota
		}
		record := &SessionRecord{
			Claims:         *claims,
			RemainingQuota: quota,
			RequestState:   StateIdle,
		}
		if err := v.store.Set(ctx, resp.Token, record); err != nil {
			v.logger.Error("seeding session record failed",
				"request_id", resp.RequestID, "error", err)
			return VerificationResult{
				Success:   false,
				Message:   "Failed to persist session.",
				Code:      ErrCodeStoreLockTimeout,
				Retryable: true,
				RequestID: resp.RequestID,
			}
		}
	}

	return VerificationResult{
		Success:   true,
		Token:     resp.Token,
		Message:   resp.Message,
		RequestID: resp.RequestID,
	}
}

// parseCredential verifies the credential signature and returns its
// claims. Only HMAC-SHA256 credentials are accepted.
func (v *Verifier) parseCredential(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse session credential: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("session credential rejected")
	}
	return claims, nil
}
