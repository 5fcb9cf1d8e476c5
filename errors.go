package apix

import (
	"errors"
	"fmt"
)

// Stable machine-readable failure codes surfaced to callers.
const (
	ErrCodeMissingTxHash          = "missing_tx_hash"
	ErrCodeInvalidCloudToken      = "invalid_cloud_token"
	ErrCodeFacilitatorUnreachable = "facilitator_unreachable"
	ErrCodeSessionInvalid         = "session_invalid"
	ErrCodeQuotaExceeded          = "session_quota_exceeded"
	ErrCodeAuthorityUnreachable   = "authority_unreachable"
	ErrCodeStoreLockTimeout       = "store_lock_timeout"
	ErrCodeInvalidPaymentDetails  = "invalid_payment_details"
	ErrCodeVerificationFailed     = "verification_failed"
)

// Sentinel errors.
var (
	// ErrLockTimeout is returned when the file store cannot acquire its
	// lock marker within the configured attempt budget.
	ErrLockTimeout = errors.New("timed out acquiring session store lock")

	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("missing signing secret (set APIX_JWT_SECRET or provide Secret in Config)")

	// ErrMissingAuthority is returned when production configuration lacks
	// a distributed session authority.
	ErrMissingAuthority = errors.New("missing distributed session authority: set APIX_USE_CLOUD_SESSION_STATE=true in production")

	// ErrMissingDurableStore is returned when production configuration has
	// neither a session authority nor a durable store path.
	ErrMissingDurableStore = errors.New("missing durable session store: set APIX_SESSION_STORE_PATH or provide a store in production")
)

// AccessError is a denial with a stable code and a retryability hint so
// callers can distinguish "try again" from "permanently denied".
type AccessError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAccessError creates a new access error.
func NewAccessError(code, message string, retryable bool) *AccessError {
	return &AccessError{Code: code, Message: message, Retryable: retryable}
}
