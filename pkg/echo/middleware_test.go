package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apix "github.com/apixlabs/apix-go"
)

type noFacilitator struct{}

func (noFacilitator) Verify(context.Context, apix.VerifyRequest) (*apix.VerifyResponse, error) {
	return &apix.VerifyResponse{Valid: false, Message: "no facilitator in this test"}, nil
}

func newTestGate(t *testing.T) (*apix.Gate, *apix.MemoryStore) {
	t.Helper()
	store := apix.NewMemoryStore()
	verifier, err := apix.NewVerifier(noFacilitator{}, []byte("secret"), apix.WithSessionStore(store))
	require.NoError(t, err)
	gate := apix.NewGate(apix.NewQuotaEngine(store), verifier, apix.PaymentDetails{
		RequestID: "req-echo",
		Currency:  "AVAX",
		Amount:    "0.1",
		Recipient: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
	})
	return gate, store
}

func seedSession(t *testing.T, store *apix.MemoryStore, token string, quota int) {
	t.Helper()
	err := store.Set(context.Background(), token, &apix.SessionRecord{
		RemainingQuota: quota,
		RequestState:   apix.StateIdle,
	})
	require.NoError(t, err)
}

func newServer(gate *apix.Gate, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.GET("/premium", handler, PaymentMiddleware(gate))
	return e
}

func TestPaymentMiddleware_NoProof(t *testing.T) {
	gate, _ := newTestGate(t)
	e := newServer(gate, func(echo.Context) error {
		t.Fatal("handler must not run without payment proof")
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(apix.HeaderWWWAuthenticate))
	assert.NotEmpty(t, rec.Header().Get(apix.HeaderPaymentRequired))
}

func TestPaymentMiddleware_SessionCommit(t *testing.T) {
	gate, store := newTestGate(t)
	seedSession(t, store, "session.credential", 2)

	var tokenSeen string
	e := newServer(gate, func(c echo.Context) error {
		tokenSeen = Token(c)
		return c.JSON(http.StatusOK, map[string]string{"content": "premium"})
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("Authorization", "Apix session.credential")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session.credential", tokenSeen)

	record, err := store.Get(context.Background(), "session.credential")
	require.NoError(t, err)
	assert.Equal(t, 1, record.RemainingQuota)
	assert.Equal(t, apix.StateIdle, record.RequestState)
}

func TestPaymentMiddleware_HandlerErrorRollsBack(t *testing.T) {
	gate, store := newTestGate(t)
	seedSession(t, store, "session.credential", 2)

	e := newServer(gate, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("Authorization", "Apix session.credential")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	record, err := store.Get(context.Background(), "session.credential")
	require.NoError(t, err)
	assert.Equal(t, 2, record.RemainingQuota, "server errors refund the deduction")
}

func TestPaymentMiddleware_ClientErrorConsumes(t *testing.T) {
	gate, store := newTestGate(t)
	seedSession(t, store, "session.credential", 2)

	e := newServer(gate, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "bad input")
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("Authorization", "Apix session.credential")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	record, err := store.Get(context.Background(), "session.credential")
	require.NoError(t, err)
	assert.Equal(t, 1, record.RemainingQuota, "client errors keep the deduction")
}
