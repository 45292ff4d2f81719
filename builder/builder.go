// Package builder composes and signs S-IO transactions.
package builder

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/instruction"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

// FeePerInstruction is a flat lamport cost per instruction. It approximates
// the base signature fee and does not model a real fee market.
const FeePerInstruction uint64 = 5000

// DefaultSignTimeout bounds a single wallet signing call.
const DefaultSignTimeout = 10 * time.Second

// Built is a signed transaction together with the identifiers a caller needs
// to follow it up.
type Built struct {
	Transaction    *solana.Transaction
	Signature      string
	DataHash       string
	DataAccount    solana.PublicKey
	PaymentAccount solana.PublicKey
	Nonce          string
	EstimatedFee   uint64
}

// TransactionBuilder creates store, retrieve and payment transactions for a
// program.
type TransactionBuilder struct {
	programID   solana.PublicKey
	store       *store.AccountStore
	now         types.Clock
	signTimeout time.Duration
	logger      logger.Logger
}

// Option configures a TransactionBuilder.
type Option func(*TransactionBuilder)

func WithClock(now types.Clock) Option {
	return func(b *TransactionBuilder) {
		b.now = now
	}
}

func WithSignTimeout(t time.Duration) Option {
	return func(b *TransactionBuilder) {
		b.signTimeout = t
	}
}

func WithLogger(l logger.Logger) Option {
	return func(b *TransactionBuilder) {
		b.logger = l
	}
}

// NewTransactionBuilder creates a builder for programID. accounts receives
// the content of every store transaction built.
func NewTransactionBuilder(programID solana.PublicKey, accounts *store.AccountStore, opts ...Option) *TransactionBuilder {
	b := &TransactionBuilder{
		programID:   programID,
		store:       accounts,
		now:         time.Now,
		signTimeout: DefaultSignTimeout,
		logger:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EstimateTransactionCost returns the flat fee for n instructions.
func EstimateTransactionCost(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) * FeePerInstruction
}

// BuildStore creates a transaction storing data, identified by the sha256 of
// its canonical JSON form. The content is cached immediately so it can be
// served once the transaction is processed.
func (b *TransactionBuilder) BuildStore(ctx context.Context, payer Wallet, data any, metadata []byte) (*Built, error) {
	st, err := b.newStoreStep(payer, data, metadata)
	if err != nil {
		return nil, err
	}

	out, err := b.build(ctx, payer, []solana.Instruction{st.inst}, st.key)
	if err != nil {
		return nil, err
	}
	out.DataHash = st.hash
	out.DataAccount = st.key.PublicKey()

	if err := b.cacheContent(st, payer.PublicKey()); err != nil {
		return nil, err
	}

	return out, nil
}

// BuildRetrieve creates a transaction reading a stored hash.
func (b *TransactionBuilder) BuildRetrieve(ctx context.Context, payer Wallet, dataHash string) (*Built, error) {
	hash, err := utils.ParseHash32(dataHash)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInstructionPayload, "invalid data hash: %v", err)
	}

	content, err := b.store.GetContent(dataHash)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, types.NewError(types.ErrNotFound, "data %s not found", dataHash)
	}

	dataAccount, err := solana.PublicKeyFromBase58(content.DataAccount)
	if err != nil {
		return nil, fmt.Errorf("invalid data account for %s: %w", dataHash, err)
	}

	inst := instruction.NewRetrieveData(b.programID, payer.PublicKey(), dataAccount, hash)
	out, err := b.build(ctx, payer, []solana.Instruction{inst})
	if err != nil {
		return nil, err
	}
	out.DataHash = dataHash
	out.DataAccount = dataAccount
	return out, nil
}

// BuildPayment creates a verify-then-settle payment of amount to recipient.
// An empty nonce is derived from the payment's parties, amount and time.
func (b *TransactionBuilder) BuildPayment(ctx context.Context, payer Wallet, recipient solana.PublicKey, amount uint64, nonce string) (*Built, error) {
	pay, err := b.newPaymentSteps(payer, recipient, amount, nonce)
	if err != nil {
		return nil, err
	}

	out, err := b.build(ctx, payer, pay.insts, pay.key)
	if err != nil {
		return nil, err
	}
	out.Nonce = pay.nonce
	out.PaymentAccount = pay.key.PublicKey()
	return out, nil
}

// BuildCombined stores data and pays for it in one transaction.
func (b *TransactionBuilder) BuildCombined(
	ctx context.Context,
	payer Wallet,
	recipient solana.PublicKey,
	data any,
	metadata []byte,
	amount uint64,
	nonce string,
) (*Built, error) {
	st, err := b.newStoreStep(payer, data, metadata)
	if err != nil {
		return nil, err
	}

	pay, err := b.newPaymentSteps(payer, recipient, amount, nonce)
	if err != nil {
		return nil, err
	}

	insts := append([]solana.Instruction{st.inst}, pay.insts...)
	out, err := b.build(ctx, payer, insts, st.key, pay.key)
	if err != nil {
		return nil, err
	}
	out.DataHash = st.hash
	out.DataAccount = st.key.PublicKey()
	out.Nonce = pay.nonce
	out.PaymentAccount = pay.key.PublicKey()

	if err := b.cacheContent(st, payer.PublicKey()); err != nil {
		return nil, err
	}

	return out, nil
}

// Payload wraps a signed transaction as payment evidence.
func (b *TransactionBuilder) Payload(tx *solana.Transaction, payer solana.PublicKey) (*types.PaymentPayload, error) {
	if len(tx.Signatures) == 0 {
		return nil, fmt.Errorf("transaction is not signed")
	}

	encoded, err := utils.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}

	return &types.PaymentPayload{
		Protocol:    types.ProtocolID,
		Version:     types.ProtocolVersion1,
		Signature:   tx.Signatures[0].String(),
		Transaction: encoded,
		Payer:       payer.String(),
		Timestamp:   b.now().Unix(),
	}, nil
}

type storeStep struct {
	inst      solana.Instruction
	key       solana.PrivateKey
	hash      string
	canonical []byte
	metadata  []byte
}

func (b *TransactionBuilder) newStoreStep(payer Wallet, data any, metadata []byte) (*storeStep, error) {
	hash, canonical, err := utils.ContentHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash content: %w", err)
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create data account: %w", err)
	}

	return &storeStep{
		inst:      instruction.NewStoreData(b.programID, payer.PublicKey(), key.PublicKey(), hash, metadata),
		key:       key,
		hash:      hex.EncodeToString(hash[:]),
		canonical: canonical,
		metadata:  metadata,
	}, nil
}

type paymentSteps struct {
	insts []solana.Instruction
	key   solana.PrivateKey
	nonce string
}

func (b *TransactionBuilder) newPaymentSteps(payer Wallet, recipient solana.PublicKey, amount uint64, nonce string) (*paymentSteps, error) {
	if amount == 0 {
		return nil, types.NewError(types.ErrInvalidInstructionPayload, "payment amount must be greater than 0")
	}

	var n [instruction.NonceSize]byte
	if nonce == "" {
		n = utils.DeriveNonce(payer.PublicKey(), recipient, amount, b.now())
	} else {
		parsed, err := utils.ParseHash32(nonce)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidInstructionPayload, "invalid nonce: %v", err)
		}
		n = parsed
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create payment account: %w", err)
	}

	return &paymentSteps{
		insts: []solana.Instruction{
			instruction.NewVerifyPayment(b.programID, payer.PublicKey(), recipient, key.PublicKey(), amount, n),
			instruction.NewSettlePayment(b.programID, payer.PublicKey(), recipient, key.PublicKey()),
		},
		key:   key,
		nonce: hex.EncodeToString(n[:]),
	}, nil
}

func (b *TransactionBuilder) cacheContent(st *storeStep, payer solana.PublicKey) error {
	_, err := b.store.PutContentIfAbsent(st.hash, &types.ContentRecord{
		Data:        st.canonical,
		Metadata:    string(st.metadata),
		Payer:       payer.String(),
		DataAccount: st.key.PublicKey().String(),
		StoredAt:    b.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to cache content %s: %w", st.hash, err)
	}
	return nil
}

// build compiles insts with payer as fee payer, then signs with the wallet
// and every extra key.
func (b *TransactionBuilder) build(ctx context.Context, payer Wallet, insts []solana.Instruction, extra ...solana.PrivateKey) (*Built, error) {
	tx, err := solana.NewTransaction(insts, b.blockhash(), solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	sig, err := b.signWithTimeout(ctx, payer, msg)
	if err != nil {
		return nil, err
	}
	if err := place(tx, payer.PublicKey(), sig); err != nil {
		return nil, err
	}

	for _, key := range extra {
		sig, err := key.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to sign with %s: %w", key.PublicKey(), err)
		}
		if err := place(tx, key.PublicKey(), sig); err != nil {
			return nil, err
		}
	}

	b.logger.Debug("transaction built", map[string]any{
		"signature":    tx.Signatures[0].String(),
		"instructions": len(insts),
	})

	return &Built{
		Transaction:  tx,
		Signature:    tx.Signatures[0].String(),
		EstimatedFee: EstimateTransactionCost(len(insts)),
	}, nil
}

func place(tx *solana.Transaction, signer solana.PublicKey, sig solana.Signature) error {
	idx, err := tx.GetAccountIndex(signer)
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}
	if int(idx) >= len(tx.Signatures) {
		return fmt.Errorf("account %s is not a required signer", signer)
	}
	tx.Signatures[idx] = sig
	return nil
}

func (b *TransactionBuilder) signWithTimeout(ctx context.Context, w Wallet, msg []byte) (solana.Signature, error) {
	signCtx, cancel := context.WithTimeout(ctx, b.signTimeout)
	defer cancel()

	type signed struct {
		sig solana.Signature
		err error
	}
	done := make(chan signed, 1)
	go func() {
		sig, err := w.Sign(signCtx, msg)
		done <- signed{sig, err}
	}()

	select {
	case <-signCtx.Done():
		return solana.Signature{}, fmt.Errorf("wallet signing: %w", signCtx.Err())
	case s := <-done:
		if s.err != nil {
			return solana.Signature{}, fmt.Errorf("wallet signing: %w", s.err)
		}
		return s.sig, nil
	}
}

// blockhash stands in for a recent blockhash, since transactions are never
// submitted to a cluster.
func (b *TransactionBuilder) blockhash() solana.Hash {
	return solana.HashFromBytes(crypto.Keccak256([]byte(strconv.FormatInt(b.now().UnixNano(), 10))))
}
