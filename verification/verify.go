package verification

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/instruction"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerificationResult, error)
	Release(result *types.VerificationResult)
}

// VerificationService checks payment payloads against requirements. A
// successful Verify holds the payment nonce reserved until it is settled or
// released.
type VerificationService struct {
	validator *InstructionValidator
	nonces    *nonce.Registry
	timeout   time.Duration
	now       types.Clock
	logger    logger.Logger
	metrics   metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

// Option configures a VerificationService.
type Option func(*VerificationService)

func WithTimeout(t time.Duration) Option {
	return func(s *VerificationService) {
		s.timeout = t
	}
}

func WithClock(now types.Clock) Option {
	return func(s *VerificationService) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = r
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(validator *InstructionValidator, nonces *nonce.Registry, opts ...Option) *VerificationService {
	s := &VerificationService{
		validator: validator,
		nonces:    nonces,
		timeout:   15 * time.Second,
		now:       time.Now,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks a payment against requirements and, on success, atomically
// reserves its nonce. Rejections are reported through the result; the error
// is reserved for cancelled contexts and nil inputs.
func (s *VerificationService) Verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	start := s.now()

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if payload == nil || requirements == nil {
		return nil, &types.SIOError{
			Code:    types.ErrMalformedPayload,
			Message: "payload and requirements are required",
		}
	}

	result := s.QuickVerify(payload, requirements)
	if !result.IsValid {
		s.record(result, start)
		return result, nil
	}

	if err := verifyCtx.Err(); err != nil {
		return nil, err
	}

	if !s.nonces.Reserve(result.Nonce) {
		result = invalid(types.NewError(types.ErrReplayedNonce, "nonce %s already used", result.Nonce))
	}

	s.record(result, start)
	return result, nil
}

// Release returns a reserved nonce so the same payment can be presented again.
func (s *VerificationService) Release(result *types.VerificationResult) {
	if result == nil || !result.IsValid || result.Nonce == "" {
		return
	}
	s.nonces.Release(result.Nonce)
	s.logger.Debug("released payment nonce", map[string]any{
		"nonce":     result.Nonce,
		"signature": result.Signature,
	})
}

// QuickVerify performs every check Verify does except reserving the nonce.
func (s *VerificationService) QuickVerify(
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) *types.VerificationResult {
	if err := utils.Validator().Struct(payload); err != nil {
		return invalid(types.NewError(types.ErrMalformedPayload, "invalid payload: %v", err))
	}

	if err := utils.ValidatePaymentRequirements(requirements); err != nil {
		return invalid(err)
	}

	if payload.Protocol != types.ProtocolID || payload.Version != requirements.Version {
		return invalid(types.NewError(types.ErrProtocolMismatch,
			"payload %s/v%d does not match %s/v%d", payload.Protocol, payload.Version, requirements.Protocol, requirements.Version))
	}

	now := s.now().Unix()
	if payload.Timestamp+requirements.Timeout < now {
		return invalid(types.NewError(types.ErrPaymentExpired,
			"payload created at %d expired after %ds", payload.Timestamp, requirements.Timeout))
	}

	payer, err := solana.PublicKeyFromBase58(payload.Payer)
	if err != nil {
		return invalid(types.NewError(types.ErrMalformedPayload, "invalid payer: %v", err))
	}

	recipient, err := solana.PublicKeyFromBase58(requirements.Recipient)
	if err != nil {
		return invalid(types.NewError(types.ErrInvalidRequirements, "invalid recipient: %v", err))
	}

	required, err := requirements.AtomicAmount()
	if err != nil {
		return invalid(types.NewError(types.ErrInvalidRequirements, "%v", err))
	}

	tx, err := utils.DecodeTransaction(payload.Transaction)
	if err != nil {
		return invalid(err)
	}

	if err := checkSignature(tx, payload.Signature); err != nil {
		return invalid(err)
	}

	validated, err := s.validator.ValidateTransaction(tx)
	if err != nil {
		return invalid(err)
	}

	payment, err := findPayment(validated)
	if err != nil {
		return invalid(err)
	}

	if !payment.verify.Payer().Equals(payer) || !payment.settle.Payer().Equals(payer) {
		return invalid(types.NewError(types.ErrPayerMismatch, "payment is not made by %s", payer))
	}

	if !payment.verify.Accounts[1].PublicKey.Equals(recipient) || !payment.settle.Accounts[1].PublicKey.Equals(recipient) {
		return invalid(types.NewError(types.ErrRecipientMismatch, "payment does not go to %s", recipient))
	}

	if payment.amount < required {
		return invalid(types.NewError(types.ErrInsufficientAmount, "paid %d, required %d", payment.amount, required))
	}

	ts := time.Unix(payload.Timestamp, 0)
	return &types.VerificationResult{
		IsValid:   true,
		Payer:     payer.String(),
		Recipient: recipient.String(),
		Amount:    payment.amount,
		Nonce:     payment.nonce,
		Signature: payload.Signature,
		Timestamp: &ts,
	}
}

type payment struct {
	verify Validated
	settle Validated
	amount uint64
	nonce  string
}

// findPayment returns the first verify-payment instruction and the first
// settle-payment instruction that follows it.
func findPayment(validated []Validated) (*payment, error) {
	var p *payment
	for _, v := range validated {
		switch in := v.Instruction.(type) {
		case instruction.VerifyPayment:
			if p == nil {
				p = &payment{
					verify: v,
					amount: in.Amount,
					nonce:  hex.EncodeToString(in.Nonce[:]),
				}
			}
		case instruction.SettlePayment:
			if p != nil {
				p.settle = v
				return p, nil
			}
		}
	}
	return nil, types.NewError(types.ErrPaymentInstructionMissing, "transaction has no verify and settle payment pair")
}

func checkSignature(tx *solana.Transaction, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return types.NewError(types.ErrMalformedPayload, "invalid signature encoding: %v", err)
	}

	if len(tx.Signatures) == 0 || !tx.Signatures[0].Equals(sig) {
		return types.NewError(types.ErrInvalidSignature, "signature does not match transaction")
	}

	if err := tx.VerifySignatures(); err != nil {
		return types.NewError(types.ErrInvalidSignature, "%v", err)
	}

	return nil
}

func invalid(err error) *types.VerificationResult {
	code := types.ErrorCode(err)
	if code == "" {
		code = types.ErrMalformedPayload
	}
	return &types.VerificationResult{
		IsValid:       false,
		InvalidReason: code,
		Error:         err.Error(),
	}
}

func (s *VerificationService) record(result *types.VerificationResult, start time.Time) {
	outcome := "valid"
	if !result.IsValid {
		outcome = result.InvalidReason
		s.logger.Warn("payment rejected", map[string]any{
			"reason": result.InvalidReason,
			"error":  result.Error,
		})
	} else {
		s.logger.Info("payment verified", map[string]any{
			"payer":     result.Payer,
			"amount":    result.Amount,
			"signature": result.Signature,
		})
	}

	s.metrics.IncCounter("verification", map[string]string{"result": outcome})
	s.metrics.ObserveLatency("verification", s.now().Sub(start), map[string]string{"result": outcome})
}
