package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/sio/builder"
	"github.com/vitwit/sio/middleware"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/settlement"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"github.com/vitwit/sio/verification"
)

const price = 500000

var program = utils.DeriveProgramID("sio-gate-test")

type harness struct {
	gate      *middleware.Gate
	builder   *builder.TransactionBuilder
	wallet    *builder.KeypairWallet
	nonces    *nonce.Registry
	recipient solana.PublicKey
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		nonces:    nonce.NewRegistry(),
		recipient: solana.NewWallet().PublicKey(),
		now:       time.Unix(1_760_000_000, 0),
	}
	clock := func() time.Time { return h.now }

	accounts := store.NewAccountStore(store.NewMemoryCache(clock))
	validator := verification.NewInstructionValidator(program, accounts, h.nonces)
	processor := settlement.NewProcessor(validator, accounts, h.nonces, settlement.WithProcessorClock(clock))

	h.gate = middleware.NewGate(
		verification.NewVerificationService(validator, h.nonces, verification.WithClock(clock)),
		settlement.NewSettlementService(processor, h.nonces, settlement.WithClock(clock)),
		middleware.GateConfig{Recipient: h.recipient.String()},
	)
	h.builder = builder.NewTransactionBuilder(program, accounts, builder.WithClock(clock))

	wallet, err := builder.NewRandomWallet()
	require.NoError(t, err)
	h.wallet = wallet
	return h
}

func (h *harness) evidence(t *testing.T, amount uint64) (string, *builder.Built) {
	t.Helper()

	built, err := h.builder.BuildPayment(context.Background(), h.wallet, h.recipient, amount, "")
	require.NoError(t, err)
	payload, err := h.builder.Payload(built.Transaction, h.wallet.PublicKey())
	require.NoError(t, err)
	encoded, err := utils.EncodePayload(payload)
	require.NoError(t, err)
	return encoded, built
}

func report(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"report":"ok"}`))
}

func do(handler http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/sio/premium/report", nil)
	if header != "" {
		req.Header.Set(types.HeaderPayment, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func challenge(t *testing.T, rec *httptest.ResponseRecorder) types.ChallengeResponse {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body types.ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.ProtocolID, body.Protocol)
	return body
}

func TestGate_Scenarios(t *testing.T) {
	h := newHarness(t)
	handler := h.gate.Protect(price, middleware.WithDescription("daily report"))(http.HandlerFunc(report))

	// A: no evidence.
	rec := do(handler, "")
	body := challenge(t, rec)
	require.NotNil(t, body.Requirements)
	assert.Equal(t, "500000", body.Requirements.Amount)
	assert.Equal(t, h.recipient.String(), body.Requirements.Recipient)
	assert.Equal(t, "daily report", body.Requirements.Description)
	assert.Equal(t, "/api/sio/premium/report", body.Requirements.Resource)
	assert.Len(t, body.Requirements.Nonce, 64)
	assert.Empty(t, rec.Header().Get(types.HeaderSettlement))

	// B: paid.
	evidence, built := h.evidence(t, price)
	rec = do(handler, evidence)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"report":"ok"}`, rec.Body.String())

	settled, err := utils.DecodeSettlement(rec.Header().Get(types.HeaderSettlement))
	require.NoError(t, err)
	assert.True(t, settled.Success)
	assert.Equal(t, built.Signature, settled.Signature)
	assert.Equal(t, "500000", settled.Amount)
	assert.True(t, h.nonces.IsConsumed(built.Nonce))

	// C: replay.
	rec = do(handler, evidence)
	assert.Equal(t, types.ErrReplayedNonce, challenge(t, rec).Error)
	assert.Empty(t, rec.Header().Get(types.HeaderSettlement))
}

func TestGate_Rejections(t *testing.T) {
	h := newHarness(t)
	handler := h.gate.Protect(price)(http.HandlerFunc(report))

	t.Run("malformed", func(t *testing.T) {
		rec := do(handler, "%%%")
		assert.Equal(t, types.ErrMalformedPayload, challenge(t, rec).Error)
	})

	t.Run("underpaid", func(t *testing.T) {
		evidence, built := h.evidence(t, price-1)
		rec := do(handler, evidence)
		assert.Equal(t, types.ErrInsufficientAmount, challenge(t, rec).Error)
		assert.True(t, h.nonces.IsFresh(built.Nonce))
	})

	t.Run("expired", func(t *testing.T) {
		evidence, _ := h.evidence(t, price)
		h.now = h.now.Add(time.Duration(types.DefaultTimeoutSeconds+1) * time.Second)
		defer func() { h.now = h.now.Add(-time.Duration(types.DefaultTimeoutSeconds+1) * time.Second) }()

		rec := do(handler, evidence)
		assert.Equal(t, types.ErrPaymentExpired, challenge(t, rec).Error)
	})
}

type failingVerifier struct{ err error }

func (f failingVerifier) Verify(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerificationResult, error) {
	return nil, f.err
}

func (failingVerifier) Release(*types.VerificationResult) {}

func TestGate_VerifierError(t *testing.T) {
	h := newHarness(t)
	evidence, _ := h.evidence(t, price)

	cases := map[string]struct {
		err  error
		code string
	}{
		"deadline":    {err: context.DeadlineExceeded, code: types.ErrInternal},
		"coded":       {err: types.NewError(types.ErrSettlementFailure, "store down"), code: types.ErrSettlementFailure},
		"plain error": {err: errors.New("boom"), code: types.ErrInternal},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gate := middleware.NewGate(failingVerifier{err: tc.err}, nil, middleware.GateConfig{Recipient: h.recipient.String()})
			rec := do(gate.Protect(price)(http.HandlerFunc(report)), evidence)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			var body types.ChallengeResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error)
		})
	}
}

func TestGate_HandlerFailureIsNotBilled(t *testing.T) {
	h := newHarness(t)
	failing := h.gate.Protect(price)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))

	evidence, built := h.evidence(t, price)
	rec := do(failing, evidence)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
	assert.Empty(t, rec.Header().Get(types.HeaderSettlement))
	assert.True(t, h.nonces.IsFresh(built.Nonce))

	// The same evidence can pay for a successful call afterwards.
	ok := h.gate.Protect(price)(http.HandlerFunc(report))
	rec = do(ok, evidence)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(types.HeaderSettlement))
}

func TestGate_HandlerPanicPropagates(t *testing.T) {
	h := newHarness(t)
	handler := h.gate.Protect(price)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	evidence, built := h.evidence(t, price)
	assert.PanicsWithValue(t, "boom", func() { do(handler, evidence) })
	assert.True(t, h.nonces.IsFresh(built.Nonce))
}

func TestGate_CancelledRequestIsNotBilled(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := h.gate.Protect(price)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		report(w, r)
	}))

	evidence, built := h.evidence(t, price)
	req := httptest.NewRequest(http.MethodGet, "/api/sio/premium/report", nil).WithContext(ctx)
	req.Header.Set(types.HeaderPayment, evidence)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get(types.HeaderSettlement))
	assert.Empty(t, rec.Body.String())
	assert.True(t, h.nonces.IsFresh(built.Nonce))
}

func TestGate_PaymentInContext(t *testing.T) {
	h := newHarness(t)

	var payer string
	handler := h.gate.Protect(price)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, ok := middleware.PaymentFromContext(r.Context())
		require.True(t, ok)
		payer = result.Payer
		w.WriteHeader(http.StatusNoContent)
	}))

	evidence, _ := h.evidence(t, price)
	rec := do(handler, evidence)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, h.wallet.PublicKey().String(), payer)
}

func TestGate_FixedNonceAndResource(t *testing.T) {
	h := newHarness(t)
	fixed := "00000000000000000000000000000000000000000000000000000000000000aa"

	clock := func() time.Time { return h.now }
	accounts := store.NewAccountStore(store.NewMemoryCache(clock))
	validator := verification.NewInstructionValidator(program, accounts, h.nonces)
	gate := middleware.NewGate(
		verification.NewVerificationService(validator, h.nonces, verification.WithClock(clock)),
		settlement.NewSettlementService(settlement.NewProcessor(validator, accounts, h.nonces), h.nonces),
		middleware.GateConfig{Recipient: h.recipient.String(), ResourceRootURL: "https://seller.test"},
		middleware.WithNonceSource(func() (string, error) { return fixed, nil }),
	)

	body := challenge(t, do(gate.Protect(price)(http.HandlerFunc(report)), ""))
	assert.Equal(t, fixed, body.Requirements.Nonce)
	assert.Equal(t, "https://seller.test/api/sio/premium/report", body.Requirements.Resource)

	body = challenge(t, do(gate.Protect(price, middleware.WithResource("urn:report"))(http.HandlerFunc(report)), ""))
	assert.Equal(t, "urn:report", body.Requirements.Resource)

	req, err := gate.Requirements(httptest.NewRequest(http.MethodGet, "/x", nil), 7, middleware.WithTimeout(30))
	require.NoError(t, err)
	assert.Equal(t, int64(30), req.Timeout)
	assert.Equal(t, "7", req.Amount)
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := middleware.Chain(tag("a"), tag("b"), tag("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	do(handler, "")

	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestDiscoveryHandler(t *testing.T) {
	catalog := []types.DiscoveryResource{
		{Endpoint: "/api/sio/premium/report", Cost: "0.5", Description: "daily report", Method: http.MethodGet},
	}

	rec := do(middleware.DiscoveryHandler(catalog), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Protocol  string                    `json:"protocol"`
		Resources []types.DiscoveryResource `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.ProtocolID, body.Protocol)
	assert.Equal(t, catalog, body.Resources)
}
