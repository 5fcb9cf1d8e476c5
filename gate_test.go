package apix

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAuthority fails every operation, standing in for an unreachable
// remote session authority.
type flakyAuthority struct {
	err       error
	rollbacks int
	commits   int
}

func (a *flakyAuthority) Validate(context.Context, string) (bool, error) { return false, a.err }
func (a *flakyAuthority) Start(context.Context, string) (bool, error)    { return false, a.err }
func (a *flakyAuthority) Commit(context.Context, string) error           { a.commits++; return a.err }
func (a *flakyAuthority) Rollback(context.Context, string) error         { a.rollbacks++; return a.err }

func newTestGate(t *testing.T, store SessionStore) *Gate {
	t.Helper()
	verifier, err := NewVerifier(&stubFacilitator{response: &VerifyResponse{
		Valid: false, Message: "unexpected facilitator call",
	}}, testSecret, WithSessionStore(store))
	require.NoError(t, err)
	return NewGate(NewQuotaEngine(store), verifier, testPaymentDetails())
}

func TestGate_NoProofEmitsChallenge(t *testing.T) {
	gate := newTestGate(t, NewMemoryStore())

	for _, authorization := range []string{"", "Bearer other-scheme", "Apix "} {
		grant, denial := gate.Approve(context.Background(), authorization)
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, http.StatusPaymentRequired, denial.Status)
		assert.NotEmpty(t, denial.Headers[HeaderWWWAuthenticate])
		assert.NotEmpty(t, denial.Headers[HeaderPaymentRequired])

		// The encoded header and the body must describe the same payment.
		doc, err := DecodeChallengeHeader(denial.Headers[HeaderPaymentRequired])
		require.NoError(t, err)
		body, ok := denial.Body.(ChallengeBody)
		require.True(t, ok)
		assert.Equal(t, body.Details.RequestID, doc.RequestID)
		assert.Equal(t, body.Details.PaymentInfo.Amount, doc.PaymentInfo.Amount)
		assert.Equal(t, body.Details.PaymentInfo.Recipient, doc.PaymentInfo.Recipient)
	}
}

func TestGate_UnknownCredentialIsForbidden(t *testing.T) {
	gate := newTestGate(t, NewMemoryStore())

	grant, denial := gate.Approve(context.Background(), "Apix some.opaque.credential")
	require.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Equal(t, http.StatusForbidden, denial.Status)
	body, ok := denial.Body.(DenialBody)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSessionInvalid, body.Code)
}

func TestGate_CredentialSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	gate := newTestGate(t, store)
	seedSession(t, store, "session.credential", 2, StateIdle, time.Now().Add(time.Hour))

	grant, denial := gate.Approve(ctx, "Apix session.credential")
	require.Nil(t, denial)
	require.NotNil(t, grant)
	assert.Equal(t, "session.credential", grant.Token)

	record := mustGet(t, store, "session.credential")
	assert.Equal(t, 1, record.RemainingQuota)
	assert.Equal(t, StatePending, record.RequestState)

	// A concurrent call under the same token is refused while pending.
	grant2, denial2 := gate.Approve(ctx, "Apix session.credential")
	require.Nil(t, grant2)
	require.NotNil(t, denial2)
	assert.Equal(t, http.StatusForbidden, denial2.Status)

	grant.Finish(ctx, true)
	record = mustGet(t, store, "session.credential")
	assert.Equal(t, 1, record.RemainingQuota)
	assert.Equal(t, StateIdle, record.RequestState)
}

func TestGate_QuotaExhaustedIsPaymentRequired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	gate := newTestGate(t, store)
	seedSession(t, store, "tok", 1, StateIdle, time.Now().Add(time.Hour))

	grant, denial := gate.Approve(ctx, "Apix tok")
	require.Nil(t, denial)
	grant.Finish(ctx, true)

	// Quota now exhausted: validate fails closed with a 403, and the
	// record still refuses a start.
	grant, denial = gate.Approve(ctx, "Apix tok")
	require.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Equal(t, http.StatusForbidden, denial.Status)
}

func TestGate_PaymentReferenceFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	credential := mintCredential(t, testSecret, 3, time.Now().Add(time.Hour))
	verifier, err := NewVerifier(&stubFacilitator{response: &VerifyResponse{
		Valid: true, Token: credential,
	}}, testSecret, WithSessionStore(store))
	require.NoError(t, err)
	gate := NewGate(NewQuotaEngine(store), verifier, testPaymentDetails())

	grant, denial := gate.Approve(ctx, "Apix 0xabc123")
	require.Nil(t, denial)
	require.NotNil(t, grant)
	assert.Equal(t, credential, grant.Token, "gate must adopt the issued credential")

	record := mustGet(t, store, credential)
	assert.Equal(t, 2, record.RemainingQuota, "verification seeds 3, start deducts 1")
	assert.Equal(t, StatePending, record.RequestState)

	grant.Finish(ctx, false)
	record = mustGet(t, store, credential)
	assert.Equal(t, 3, record.RemainingQuota, "failure refunds the reservation")
}

func TestGate_PaymentReferenceRejected(t *testing.T) {
	verifier, err := NewVerifier(&stubFacilitator{response: &VerifyResponse{
		Valid:     false,
		Message:   "Transaction not confirmed yet",
		Code:      "tx_pending",
		Retryable: true,
		RequestID: "req-1",
	}}, testSecret)
	require.NoError(t, err)
	gate := NewGate(NewQuotaEngine(NewMemoryStore()), verifier, testPaymentDetails())

	grant, denial := gate.Approve(context.Background(), "Apix 0xabc123")
	require.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Equal(t, http.StatusForbidden, denial.Status)
	body, ok := denial.Body.(DenialBody)
	require.True(t, ok)
	assert.Equal(t, "tx_pending", body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestGate_AuthorityFailureFailsClosed(t *testing.T) {
	authority := &flakyAuthority{err: errors.New("network down")}
	verifier, err := NewVerifier(&stubFacilitator{}, testSecret)
	require.NoError(t, err)
	gate := NewGate(authority, verifier, testPaymentDetails())

	grant, denial := gate.Approve(context.Background(), "Apix some.credential")
	require.Nil(t, grant, "unreachable authority must not grant access")
	require.NotNil(t, denial)
	assert.Equal(t, http.StatusForbidden, denial.Status)
	body, ok := denial.Body.(DenialBody)
	require.True(t, ok)
	assert.Equal(t, ErrCodeAuthorityUnreachable, body.Code)
	assert.True(t, body.Retryable)
}

func TestGrant_FinishExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	gate := newTestGate(t, store)
	seedSession(t, store, "tok", 5, StateIdle, time.Now().Add(time.Hour))

	grant, denial := gate.Approve(ctx, "Apix tok")
	require.Nil(t, denial)

	// Both a "completed" and an "aborted" notification fire; only the
	// first finalization may take effect.
	grant.Finish(ctx, false)
	grant.Finish(ctx, true)
	grant.Finish(ctx, false)

	record := mustGet(t, store, "tok")
	assert.Equal(t, 5, record.RemainingQuota, "single rollback refunds once")
	assert.Equal(t, StateIdle, record.RequestState)
}

func TestGrant_FinishSwallowsAuthorityErrors(t *testing.T) {
	authority := &flakyAuthority{err: errors.New("network down")}
	grant := &Grant{Token: "tok", authority: authority, logger: testLogger()}

	// Must not panic or surface the error: the response is already
	// decided, bookkeeping is best-effort.
	grant.Finish(context.Background(), true)
	assert.Equal(t, 1, authority.commits)
}
