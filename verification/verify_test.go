package verification_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/sio/builder"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"github.com/vitwit/sio/verification"
)

var now = time.Unix(1_750_000_000, 0)

func fixedClock() time.Time { return now }

type verifyEnv struct {
	*env
	service *verification.VerificationService
	builder *builder.TransactionBuilder
	wallet  *builder.KeypairWallet
}

func newVerifyEnv(t *testing.T) *verifyEnv {
	t.Helper()

	e := newEnv(t)
	wallet, err := builder.NewKeypairWallet(e.payer)
	require.NoError(t, err)

	return &verifyEnv{
		env:     e,
		service: verification.NewVerificationService(e.validator, e.nonces, verification.WithClock(fixedClock)),
		builder: builder.NewTransactionBuilder(program, e.accounts, builder.WithClock(fixedClock)),
		wallet:  wallet,
	}
}

func (v *verifyEnv) requirements(t *testing.T, amount string) *types.PaymentRequirements {
	t.Helper()

	n, err := utils.RandomNonce()
	require.NoError(t, err)

	return &types.PaymentRequirements{
		Protocol:  types.ProtocolID,
		Version:   types.ProtocolVersion1,
		Network:   types.NetworkSolanaMainnet.String(),
		Amount:    amount,
		Token:     types.DefaultTokenMint,
		Recipient: v.recipient.String(),
		Resource:  "/api/sio/premium/report",
		Timeout:   60,
		Nonce:     n,
	}
}

func (v *verifyEnv) payment(t *testing.T, recipient solana.PublicKey, amount uint64) *types.PaymentPayload {
	t.Helper()

	built, err := v.builder.BuildPayment(context.Background(), v.wallet, recipient, amount, "")
	require.NoError(t, err)

	payload, err := v.builder.Payload(built.Transaction, v.wallet.PublicKey())
	require.NoError(t, err)
	return payload
}

func TestVerify_ReservesNonce(t *testing.T) {
	v := newVerifyEnv(t)
	req := v.requirements(t, "500000")
	payload := v.payment(t, v.recipient, 500000)

	result, err := v.service.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, result.IsValid, result.Error)
	assert.Equal(t, uint64(500000), result.Amount)
	assert.Equal(t, v.wallet.PublicKey().String(), result.Payer)
	assert.Equal(t, v.recipient.String(), result.Recipient)
	assert.False(t, v.nonces.IsFresh(result.Nonce))
	assert.False(t, v.nonces.IsConsumed(result.Nonce))

	again, err := v.service.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, again.IsValid)
	assert.Equal(t, types.ErrReplayedNonce, again.InvalidReason)

	v.service.Release(result)
	assert.True(t, v.nonces.IsFresh(result.Nonce))

	retry, err := v.service.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, retry.IsValid)
}

func TestVerify_TimeoutBoundary(t *testing.T) {
	v := newVerifyEnv(t)
	req := v.requirements(t, "1000")

	expired := v.payment(t, v.recipient, 1000)
	expired.Timestamp = now.Unix() - req.Timeout - 1

	result := v.service.QuickVerify(expired, req)
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ErrPaymentExpired, result.InvalidReason)

	fresh := v.payment(t, v.recipient, 1000)
	fresh.Timestamp = now.Unix() - req.Timeout + 1

	result = v.service.QuickVerify(fresh, req)
	assert.True(t, result.IsValid, result.Error)
}

func TestVerify_Rejections(t *testing.T) {
	v := newVerifyEnv(t)

	cases := []struct {
		name   string
		mutate func(p *types.PaymentPayload, r *types.PaymentRequirements)
		amount uint64
		code   string
	}{
		{
			name:   "insufficient amount",
			amount: 499999,
			code:   types.ErrInsufficientAmount,
		},
		{
			name: "recipient mismatch",
			mutate: func(_ *types.PaymentPayload, r *types.PaymentRequirements) {
				r.Recipient = solana.NewWallet().PublicKey().String()
			},
			code: types.ErrRecipientMismatch,
		},
		{
			name: "payer mismatch",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Payer = solana.NewWallet().PublicKey().String()
			},
			code: types.ErrPayerMismatch,
		},
		{
			name: "protocol mismatch",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Protocol = "h402"
			},
			code: types.ErrProtocolMismatch,
		},
		{
			name: "version mismatch",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Version = 2
			},
			code: types.ErrProtocolMismatch,
		},
		{
			name: "foreign signature",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Signature = solana.Signature{7}.String()
			},
			code: types.ErrInvalidSignature,
		},
		{
			name: "undecodable transaction",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Transaction = "AQ=="
			},
			code: types.ErrMalformedPayload,
		},
		{
			name: "missing fields",
			mutate: func(p *types.PaymentPayload, _ *types.PaymentRequirements) {
				p.Signature = ""
			},
			code: types.ErrMalformedPayload,
		},
		{
			name: "invalid requirements",
			mutate: func(_ *types.PaymentPayload, r *types.PaymentRequirements) {
				r.Amount = "-5"
			},
			code: types.ErrInvalidRequirements,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount := tc.amount
			if amount == 0 {
				amount = 500000
			}
			req := v.requirements(t, "500000")
			payload := v.payment(t, v.recipient, amount)
			if tc.mutate != nil {
				tc.mutate(payload, req)
			}

			result, err := v.service.Verify(context.Background(), payload, req)
			require.NoError(t, err)
			assert.False(t, result.IsValid)
			assert.Equal(t, tc.code, result.InvalidReason, result.Error)
		})
	}
}

func TestVerify_StoreOnlyTransaction(t *testing.T) {
	v := newVerifyEnv(t)
	req := v.requirements(t, "1")

	built, err := v.builder.BuildStore(context.Background(), v.wallet, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	payload, err := v.builder.Payload(built.Transaction, v.wallet.PublicKey())
	require.NoError(t, err)

	result, err := v.service.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, types.ErrPaymentInstructionMissing, result.InvalidReason)
}

func TestVerify_ConcurrentSameNonce(t *testing.T) {
	v := newVerifyEnv(t)
	req := v.requirements(t, "500000")
	payload := v.payment(t, v.recipient, 500000)

	var (
		wg    sync.WaitGroup
		valid atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := v.service.Verify(context.Background(), payload, req)
			if err == nil && result.IsValid {
				valid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), valid.Load())
}

func TestVerify_NilInputs(t *testing.T) {
	v := newVerifyEnv(t)

	_, err := v.service.Verify(context.Background(), nil, v.requirements(t, "1"))
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedPayload, types.ErrorCode(err))
}
