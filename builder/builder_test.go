package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/sio/instruction"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

var testProgram = utils.DeriveProgramID("sio-builder-test")

func newTestBuilder(t *testing.T, opts ...Option) (*TransactionBuilder, *store.AccountStore, *KeypairWallet) {
	t.Helper()

	accounts := store.NewAccountStore(store.NewMemoryCache(time.Now))
	wallet, err := NewRandomWallet()
	require.NoError(t, err)

	return NewTransactionBuilder(testProgram, accounts, opts...), accounts, wallet
}

func TestBuildStore(t *testing.T) {
	b, accounts, wallet := newTestBuilder(t)

	built, err := b.BuildStore(context.Background(), wallet, map[string]any{"x": 1}, []byte("meta"))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`{"x":1}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), built.DataHash)
	assert.Equal(t, FeePerInstruction, built.EstimatedFee)
	assert.Equal(t, built.Transaction.Signatures[0].String(), built.Signature)

	tx := built.Transaction
	require.NoError(t, tx.VerifySignatures())
	assert.Len(t, tx.Signatures, 2)
	assert.True(t, tx.Message.IsSigner(built.DataAccount))

	raws, err := instruction.FromTransaction(tx, testProgram)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	decoded, err := instruction.Decode(raws[0].Data)
	require.NoError(t, err)
	assert.Equal(t, instruction.StoreData{DataHash: sum, Metadata: []byte("meta")}, decoded)

	content, err := accounts.GetContent(built.DataHash)
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, []byte(`{"x":1}`), content.Data)
	assert.Equal(t, built.DataAccount.String(), content.DataAccount)
	assert.Equal(t, wallet.PublicKey().String(), content.Payer)

	t.Run("key order does not change the hash", func(t *testing.T) {
		again, err := b.BuildStore(context.Background(), wallet, []byte(`{ "b": 2, "a": 1 }`), nil)
		require.NoError(t, err)

		want := sha256.Sum256([]byte(`{"a":1,"b":2}`))
		assert.Equal(t, hex.EncodeToString(want[:]), again.DataHash)
	})
}

func TestBuildPayment(t *testing.T) {
	b, _, wallet := newTestBuilder(t)
	recipient := solana.NewWallet().PublicKey()

	t.Run("explicit nonce", func(t *testing.T) {
		n, err := utils.RandomNonce()
		require.NoError(t, err)

		built, err := b.BuildPayment(context.Background(), wallet, recipient, 500000, n)
		require.NoError(t, err)
		assert.Equal(t, n, built.Nonce)
		assert.Equal(t, 2*FeePerInstruction, built.EstimatedFee)
		require.NoError(t, built.Transaction.VerifySignatures())

		raws, err := instruction.FromTransaction(built.Transaction, testProgram)
		require.NoError(t, err)
		require.Len(t, raws, 2)

		verify, err := instruction.Decode(raws[0].Data)
		require.NoError(t, err)
		assert.Equal(t, uint64(500000), verify.(instruction.VerifyPayment).Amount)
		verifyPayment := verify.(instruction.VerifyPayment)
		assert.Equal(t, n, hex.EncodeToString(verifyPayment.Nonce[:]))

		settle := raws[1]
		require.Len(t, settle.Accounts, instruction.SettlePaymentMinAccounts)
		assert.True(t, settle.Accounts[0].IsSigner)
		assert.True(t, settle.Accounts[1].PublicKey.Equals(recipient))
	})

	t.Run("derived nonce", func(t *testing.T) {
		built, err := b.BuildPayment(context.Background(), wallet, recipient, 1, "")
		require.NoError(t, err)
		assert.Len(t, built.Nonce, 64)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, err := b.BuildPayment(context.Background(), wallet, recipient, 0, "")
		assert.Equal(t, types.ErrInvalidInstructionPayload, types.ErrorCode(err))
	})

	t.Run("bad nonce", func(t *testing.T) {
		_, err := b.BuildPayment(context.Background(), wallet, recipient, 1, "xyz")
		assert.Equal(t, types.ErrInvalidInstructionPayload, types.ErrorCode(err))
	})
}

func TestBuildCombined(t *testing.T) {
	b, _, wallet := newTestBuilder(t)

	built, err := b.BuildCombined(context.Background(), wallet, solana.NewWallet().PublicKey(), map[string]string{"k": "v"}, nil, 7, "")
	require.NoError(t, err)
	assert.Equal(t, 3*FeePerInstruction, built.EstimatedFee)
	assert.NotEmpty(t, built.DataHash)
	assert.NotEmpty(t, built.Nonce)
	require.NoError(t, built.Transaction.VerifySignatures())
	assert.Len(t, built.Transaction.Signatures, 3)

	raws, err := instruction.FromTransaction(built.Transaction, testProgram)
	require.NoError(t, err)
	require.Len(t, raws, 3)

	var kinds []instruction.Kind
	for _, raw := range raws {
		in, err := instruction.Decode(raw.Data)
		require.NoError(t, err)
		kinds = append(kinds, in.Kind())
	}
	assert.Equal(t, []instruction.Kind{instruction.KindStoreData, instruction.KindVerifyPayment, instruction.KindSettlePayment}, kinds)
}

func TestBuildRetrieve(t *testing.T) {
	b, _, wallet := newTestBuilder(t)

	stored, err := b.BuildStore(context.Background(), wallet, "hello", nil)
	require.NoError(t, err)

	built, err := b.BuildRetrieve(context.Background(), wallet, stored.DataHash)
	require.NoError(t, err)
	assert.True(t, built.DataAccount.Equals(stored.DataAccount))
	require.NoError(t, built.Transaction.VerifySignatures())

	_, err = b.BuildRetrieve(context.Background(), wallet, hex.EncodeToString(make([]byte, 32)))
	assert.Equal(t, types.ErrNotFound, types.ErrorCode(err))
}

type slowWallet struct {
	*KeypairWallet
}

func (w slowWallet) Sign(ctx context.Context, _ []byte) (solana.Signature, error) {
	<-ctx.Done()
	return solana.Signature{}, ctx.Err()
}

func TestSignTimeout(t *testing.T) {
	b, _, wallet := newTestBuilder(t, WithSignTimeout(20*time.Millisecond))

	_, err := b.BuildPayment(context.Background(), slowWallet{wallet}, solana.NewWallet().PublicKey(), 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPayload(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	b, _, wallet := newTestBuilder(t, WithClock(func() time.Time { return at }))

	built, err := b.BuildPayment(context.Background(), wallet, solana.NewWallet().PublicKey(), 9, "")
	require.NoError(t, err)

	payload, err := b.Payload(built.Transaction, wallet.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolID, payload.Protocol)
	assert.Equal(t, types.ProtocolVersion1, payload.Version)
	assert.Equal(t, built.Signature, payload.Signature)
	assert.Equal(t, at.Unix(), payload.Timestamp)
	assert.Equal(t, wallet.PublicKey().String(), payload.Payer)

	tx, err := utils.DecodeTransaction(payload.Transaction)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, built.Transaction.Signatures, tx.Signatures)
}

func TestEstimateTransactionCost(t *testing.T) {
	assert.Equal(t, uint64(0), EstimateTransactionCost(0))
	assert.Equal(t, uint64(15000), EstimateTransactionCost(3))
}
