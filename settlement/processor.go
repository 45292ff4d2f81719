package settlement

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/instruction"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"github.com/vitwit/sio/verification"
)

// Processor applies validated transactions to the account store.
//
// By default a transaction is applied all-or-nothing: every instruction is
// staged first, nonces are consumed next (and rolled back if any was taken
// concurrently), and store writes happen last. WithPartialApply switches to
// applying instructions one by one, keeping the effects of those that ran
// before a failure.
type Processor struct {
	validator *verification.InstructionValidator
	store     *store.AccountStore
	nonces    *nonce.Registry

	mu      sync.Mutex
	partial bool
	now     types.Clock
	logger  logger.Logger
	metrics metrics.Recorder

	processed atomic.Uint64
	stored    atomic.Uint64
	settled   atomic.Uint64
	failed    atomic.Uint64
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPartialApply keeps the effects of instructions applied before a failure.
func WithPartialApply() ProcessorOption {
	return func(p *Processor) {
		p.partial = true
	}
}

func WithProcessorClock(now types.Clock) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

func WithProcessorLogger(l logger.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

func WithProcessorMetrics(r metrics.Recorder) ProcessorOption {
	return func(p *Processor) {
		p.metrics = r
	}
}

// NewProcessor creates a processor. The validator must share accounts and
// nonces with it.
func NewProcessor(
	validator *verification.InstructionValidator,
	accounts *store.AccountStore,
	nonces *nonce.Registry,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		validator: validator,
		store:     accounts,
		nonces:    nonces,
		now:       time.Now,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates tx and applies it.
func (p *Processor) Process(ctx context.Context, tx *solana.Transaction) (*types.TransactionResult, error) {
	return p.process(ctx, tx, "")
}

// ProcessReserved applies tx whose payment nonce the caller already holds
// reserved in the registry. The reservation is committed together with the
// transaction's other effects and left untouched if processing fails.
func (p *Processor) ProcessReserved(ctx context.Context, tx *solana.Transaction, reserved string) (*types.TransactionResult, error) {
	return p.process(ctx, tx, reserved)
}

func (p *Processor) process(ctx context.Context, tx *solana.Transaction, reserved string) (*types.TransactionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	validated, err := p.validator.ValidateTransaction(tx)
	if err != nil {
		p.fail(tx, nil, err)
		return nil, err
	}

	// A forged signature must not reach the audit trail.
	if err := tx.VerifySignatures(); err != nil {
		err = types.NewError(types.ErrInvalidSignature, "%v", err)
		p.fail(nil, nil, err)
		return nil, err
	}

	signature := tx.Signatures[0].String()
	if prev, _ := p.store.GetTransactionResult(signature); prev != nil && prev.Processed {
		err := types.NewError(types.ErrReplayedNonce, "transaction %s already processed", signature)
		p.fail(tx, nil, err)
		return nil, err
	}

	res := &types.TransactionResult{
		Signature: signature,
		Timestamp: start.Unix(),
	}

	if p.partial {
		err = p.applyEach(res, validated, reserved)
	} else {
		err = p.applyAll(res, validated, reserved)
	}
	if err != nil {
		p.fail(tx, res, err)
		return res, err
	}

	res.Processed = true
	if err := p.store.PutTransactionResult(res.Signature, res); err != nil {
		p.logger.Error("failed to cache transaction result", map[string]any{
			"signature": res.Signature,
			"error":     err.Error(),
		})
	}

	p.processed.Add(1)
	p.metrics.IncCounter("transaction", map[string]string{"result": "processed"})
	p.metrics.ObserveLatency("process", p.now().Sub(start), map[string]string{"result": "processed"})
	p.logger.Info("transaction processed", map[string]any{
		"signature":    res.Signature,
		"instructions": len(res.Results),
	})

	return res, nil
}

// effect is the staged outcome of one instruction.
type effect struct {
	result     types.InstructionResult
	account    *types.AccountRecord
	verify     *types.VerificationRecord
	settlement *types.SettlementRecord
}

// stager computes effects in transaction order, seeing the staged writes of
// earlier instructions.
type stager struct {
	p         *Processor
	signature string
	at        time.Time
	accounts  map[string]*types.AccountRecord
	paid      uint64
}

func (p *Processor) newStager(signature string) *stager {
	return &stager{
		p:         p,
		signature: signature,
		at:        p.now(),
		accounts:  make(map[string]*types.AccountRecord),
	}
}

func (s *stager) stage(v verification.Validated) (*effect, error) {
	e := &effect{
		result: types.InstructionResult{
			Index:   v.Index,
			Kind:    v.Instruction.Kind().String(),
			Success: true,
		},
	}
	payer := v.Payer()

	switch in := v.Instruction.(type) {
	case instruction.StoreData:
		hash := hex.EncodeToString(in.DataHash[:])
		rec := &types.AccountRecord{
			Discriminator: uint8(instruction.KindStoreData),
			Owner:         payer.String(),
			DataHash:      hash,
			Timestamp:     s.at.Unix(),
			Metadata:      hex.EncodeToString(in.Metadata),
		}
		s.accounts[hash] = rec
		e.account = rec
		e.result.DataHash = hash
		e.result.Owner = rec.Owner
		e.result.Metadata = rec.Metadata
		e.result.StoredAt = rec.Timestamp

	case instruction.RetrieveData:
		hash := hex.EncodeToString(in.DataHash[:])
		rec, ok := s.accounts[hash]
		if !ok {
			stored, err := s.p.store.GetAccount(hash)
			if err != nil {
				return nil, err
			}
			if stored == nil {
				return nil, types.NewError(types.ErrNotFound, "instruction %d: data %s not found", v.Index, hash)
			}
			rec = stored
		}
		e.result.DataHash = hash
		e.result.Owner = rec.Owner
		e.result.Metadata = rec.Metadata
		e.result.StoredAt = rec.Timestamp

	case instruction.VerifyPayment:
		n := hex.EncodeToString(in.Nonce[:])
		s.paid = in.Amount
		e.verify = &types.VerificationRecord{
			Payer:     payer.String(),
			Recipient: v.Accounts[1].PublicKey.String(),
			Amount:    in.Amount,
			Nonce:     n,
			Verified:  true,
			Timestamp: s.at.Unix(),
		}
		e.result.Nonce = n
		e.result.Amount = in.Amount
		e.result.Payer = e.verify.Payer
		e.result.Recipient = e.verify.Recipient

	case instruction.SettlePayment:
		recipient := v.Accounts[1].PublicKey
		id := utils.DeriveSettlementID(payer, recipient, s.at, s.signature)
		e.settlement = &types.SettlementRecord{
			SettlementID: id,
			Payer:        payer.String(),
			Recipient:    recipient.String(),
			Amount:       s.paid,
			Settled:      true,
			Timestamp:    s.at.Unix(),
		}
		e.result.SettlementID = id
		e.result.Payer = e.settlement.Payer
		e.result.Recipient = e.settlement.Recipient
		e.result.Amount = s.paid
	}

	return e, nil
}

// applyAll stages every instruction, then takes nonces, then writes.
func (p *Processor) applyAll(res *types.TransactionResult, validated []verification.Validated, reserved string) error {
	st := p.newStager(res.Signature)

	effects := make([]*effect, 0, len(validated))
	for _, v := range validated {
		e, err := st.stage(v)
		if err != nil {
			return err
		}
		effects = append(effects, e)
	}

	var taken []string
	commitReserved := false
	for _, e := range effects {
		if e.verify == nil {
			continue
		}
		n := e.verify.Nonce
		if n == reserved {
			commitReserved = true
			continue
		}
		if !p.nonces.Consume(n) {
			for _, t := range taken {
				p.nonces.Forget(t)
			}
			return types.NewError(types.ErrReplayedNonce, "instruction %d: nonce %s already used", e.result.Index, n)
		}
		taken = append(taken, n)
	}
	if commitReserved {
		p.nonces.Commit(reserved)
	}

	for _, e := range effects {
		if err := p.write(e); err != nil {
			return err
		}
		res.Results = append(res.Results, e.result)
	}

	return nil
}

// applyEach stages and writes one instruction at a time. Effects of earlier
// instructions survive a later failure.
func (p *Processor) applyEach(res *types.TransactionResult, validated []verification.Validated, reserved string) error {
	st := p.newStager(res.Signature)

	for _, v := range validated {
		e, err := st.stage(v)
		if err != nil {
			res.Results = append(res.Results, failedResult(v, err))
			return err
		}

		if e.verify != nil {
			n := e.verify.Nonce
			if n == reserved {
				p.nonces.Commit(n)
			} else if !p.nonces.Consume(n) {
				err := types.NewError(types.ErrReplayedNonce, "instruction %d: nonce %s already used", v.Index, n)
				res.Results = append(res.Results, failedResult(v, err))
				return err
			}
		}

		if err := p.write(e); err != nil {
			res.Results = append(res.Results, failedResult(v, err))
			return err
		}
		res.Results = append(res.Results, e.result)
	}

	return nil
}

func (p *Processor) write(e *effect) error {
	switch {
	case e.account != nil:
		if err := p.store.PutAccount(e.account.DataHash, e.account); err != nil {
			return err
		}
		p.stored.Add(1)
		p.metrics.IncCounter("data_stored", nil)

	case e.verify != nil:
		if err := p.store.PutVerification(e.verify.Nonce, e.verify); err != nil {
			return err
		}

	case e.settlement != nil:
		if err := p.store.PutSettlement(e.settlement.SettlementID, e.settlement); err != nil {
			return err
		}
		p.settled.Add(1)
		p.metrics.IncCounter("payment_settled", nil)
	}
	return nil
}

func failedResult(v verification.Validated, err error) types.InstructionResult {
	return types.InstructionResult{
		Index:   v.Index,
		Kind:    v.Instruction.Kind().String(),
		Success: false,
		Error:   err.Error(),
	}
}

// fail counts the failure and, when the transaction carries a signature,
// records it in the audit trail.
func (p *Processor) fail(tx *solana.Transaction, res *types.TransactionResult, err error) {
	p.failed.Add(1)
	p.metrics.IncCounter("transaction", map[string]string{"result": "failed"})

	fields := map[string]any{"error": err.Error()}

	if tx != nil && len(tx.Signatures) > 0 {
		sig := tx.Signatures[0].String()
		fields["signature"] = sig

		if res == nil {
			res = &types.TransactionResult{Signature: sig, Timestamp: p.now().Unix()}
		}
		res.Processed = false
		res.Error = err.Error()

		// Keep a successful record for the same signature.
		if prev, _ := p.store.GetTransactionResult(sig); prev == nil || !prev.Processed {
			_ = p.store.PutTransactionResult(sig, res)
		}
	}

	p.logger.Warn("transaction rejected", fields)
}

// TransactionStatus returns the cached outcome of a processed transaction.
func (p *Processor) TransactionStatus(signature string) (*types.TransactionResult, error) {
	res, err := p.store.GetTransactionResult(signature)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, types.NewError(types.ErrNotFound, "transaction %s not found", signature)
	}
	return res, nil
}

// VerifyPaymentSignature reports whether signature identifies a processed
// transaction that settled a payment of at least amount.
func (p *Processor) VerifyPaymentSignature(signature string, amount uint64) *types.PaymentVerification {
	out := &types.PaymentVerification{Signature: signature}

	res, err := p.store.GetTransactionResult(signature)
	if err != nil || res == nil {
		out.Reason = types.ErrNotFound
		return out
	}
	out.Timestamp = res.Timestamp

	if !res.Processed {
		out.Reason = types.ErrInvalidTransaction
		return out
	}

	settle, ok := res.Settlement()
	if !ok {
		out.Reason = types.ErrPaymentInstructionMissing
		return out
	}
	out.SettlementID = settle.SettlementID
	out.Amount = settle.Amount

	if settle.Amount < amount {
		out.Reason = types.ErrInsufficientAmount
		return out
	}

	out.Verified = true
	return out
}

// Stats returns cumulative counters since the processor was created.
func (p *Processor) Stats() types.ProcessorStats {
	processed := p.processed.Load()
	failed := p.failed.Load()

	stats := types.ProcessorStats{
		TransactionsProcessed: processed,
		DataStored:            p.stored.Load(),
		PaymentsSettled:       p.settled.Load(),
		Errors:                failed,
		NoncesUsed:            p.nonces.Len(),
	}
	if total := processed + failed; total > 0 {
		stats.SuccessRate = float64(processed) / float64(total)
	}
	return stats
}
