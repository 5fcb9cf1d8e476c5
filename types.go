// Package apix gates access to protected resources behind a pay-per-call
// authorization check. A caller presents either a raw payment reference
// (a blockchain transaction hash, verified out-of-band by a facilitator
// service) or a previously issued signed session credential. The package
// tracks a per-session call quota with exactly-once deduction semantics
// and emits a standardized 402 Payment Required challenge when no valid
// proof is presented.
package apix

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// ProtocolVersion identifies the challenge wire format.
const ProtocolVersion = "x402-draft"

// DefaultQuota is the per-session call allowance used when the credential
// carries no max_requests claim.
const DefaultQuota = 10

// RequestState tracks whether a session has an in-flight quota reservation.
type RequestState string

const (
	// StateIdle means no reservation is outstanding.
	StateIdle RequestState = "idle"

	// StatePending means a call has started and its deduction has not yet
	// been committed or rolled back.
	StatePending RequestState = "pending"
)

// SessionClaims is the verified payload of a signed session credential.
// The facilitator issues these; beyond expiry and max_requests the fields
// are informational.
type SessionClaims struct {
	TxHash      string `json:"tx_hash,omitempty"`
	MaxRequests int    `json:"max_requests,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Network     string `json:"network,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	AmountWei   string `json:"amount_wei,omitempty"`
	ChainID     int64  `json:"chain_id,omitempty"`
	Currency    string `json:"currency,omitempty"`
	jwt.RegisteredClaims
}

// SessionRecord is the quota-tracking state for one issued credential,
// keyed in a SessionStore by the credential string itself.
type SessionRecord struct {
	Claims         SessionClaims `json:"claims"`
	RemainingQuota int           `json:"remaining_quota"`
	RequestState   RequestState  `json:"request_state"`
}

// Clone returns a copy of the record. Store update functions must not
// mutate the record they are handed; they clone, adjust, and return.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// PaymentDetails describes what a caller must pay to obtain a session.
// It parameterizes both the 402 challenge and the facilitator verify call.
type PaymentDetails struct {
	RequestID        string
	ChainID          int64
	Network          string
	Currency         string
	Amount           string
	AmountWei        string
	Recipient        string
	MinConfirmations uint64
}

// Validate reports whether the details are complete enough to charge
// against. The recipient must be a well-formed EVM address.
func (d PaymentDetails) Validate() error {
	if d.Recipient == "" {
		return NewAccessError(ErrCodeInvalidPaymentDetails, "payment recipient is required", false)
	}
	if !common.IsHexAddress(d.Recipient) {
		return NewAccessError(ErrCodeInvalidPaymentDetails, "payment recipient is not a valid address", false)
	}
	if d.Amount == "" && d.AmountWei == "" {
		return NewAccessError(ErrCodeInvalidPaymentDetails, "payment amount is required", false)
	}
	return nil
}

// PaymentInfo is the payment_info object embedded in challenge documents.
type PaymentInfo struct {
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	AmountWei string `json:"amount_wei,omitempty"`
	Recipient string `json:"recipient"`
}

// ============================================================================
// Facilitator wire types
// ============================================================================

// VerifyRequest is the body POSTed to the facilitator's /v1/verify endpoint.
type VerifyRequest struct {
	TxHash           string `json:"tx_hash"`
	RequestID        string `json:"request_id,omitempty"`
	ChainID          int64  `json:"chain_id,omitempty"`
	Network          string `json:"network,omitempty"`
	Recipient        string `json:"recipient,omitempty"`
	AmountWei        string `json:"amount_wei,omitempty"`
	Currency         string `json:"currency,omitempty"`
	MinConfirmations uint64 `json:"min_confirmations,omitempty"`
}

// VerifyResponse is the facilitator's verdict on a payment reference.
// On success Valid is true and Token carries the signed session credential.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
	Token     string `json:"token,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

// VerificationResult is what the Verifier hands back to the orchestrator:
// either an adopted session token or a machine-readable failure.
type VerificationResult struct {
	Success   bool
	Token     string
	Message   string
	Code      string
	Retryable bool
	RequestID string
}

// ============================================================================
// Proof classification
// ============================================================================

// paymentReferenceMaxLen separates raw transaction references from signed
// credentials. A 32-byte tx hash is 66 characters with its 0x prefix; a
// JWT is always far longer.
const paymentReferenceMaxLen = 2*common.HashLength + 2 + 32

// IsPaymentReference reports whether a presented proof looks like a raw
// blockchain transaction reference rather than a session credential.
func IsPaymentReference(proof string) bool {
	if !strings.HasPrefix(proof, "0x") || len(proof) >= paymentReferenceMaxLen {
		return false
	}
	for _, c := range proof[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ExtractProof pulls the proof out of an Authorization header of the form
// "Apix <token>". It returns "" when the header is absent or not Apix.
func ExtractProof(authorization string) string {
	const scheme = "Apix "
	if !strings.HasPrefix(authorization, scheme) {
		return ""
	}
	return strings.TrimSpace(authorization[len(scheme):])
}
