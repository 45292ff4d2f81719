package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, payload *types.PaymentPayload, verification *types.VerificationResult) (*types.SettlementResponse, error)
}

// SettlementService settles verified payments once the protected handler
// has completed.
type SettlementService struct {
	processor *Processor
	nonces    *nonce.Registry
	timeout   time.Duration
	now       types.Clock
	logger    logger.Logger
	metrics   metrics.Recorder
}

var _ Settler = (*SettlementService)(nil)

// Option configures a SettlementService.
type Option func(*SettlementService)

func WithTimeout(t time.Duration) Option {
	return func(s *SettlementService) {
		s.timeout = t
	}
}

func WithClock(now types.Clock) Option {
	return func(s *SettlementService) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SettlementService) {
		s.metrics = r
	}
}

// NewSettlementService creates a new settlement service
func NewSettlementService(processor *Processor, nonces *nonce.Registry, opts ...Option) *SettlementService {
	s := &SettlementService{
		processor: processor,
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

// Settle processes the payment transaction whose nonce verification
// reserved. A failed settlement still burns the nonce, so the same evidence
// cannot be presented again. The returned response is never nil; err is set
// when Success is false.
func (s *SettlementService) Settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	verification *types.VerificationResult,
) (*types.SettlementResponse, error) {
	start := s.now()

	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if payload == nil || verification == nil || !verification.IsValid {
		return s.failed(nil, "", types.NewError(types.ErrSettlementFailure, "payment was not verified"), start)
	}

	resp := &types.SettlementResponse{
		Signature: payload.Signature,
		Payer:     verification.Payer,
		Amount:    strconv.FormatUint(verification.Amount, 10),
	}

	tx, err := utils.DecodeTransaction(payload.Transaction)
	if err != nil {
		return s.failed(resp, verification.Nonce, err, start)
	}

	res, err := s.processor.ProcessReserved(settleCtx, tx, verification.Nonce)
	if err != nil {
		return s.failed(resp, verification.Nonce, err, start)
	}

	if _, ok := res.Settlement(); !ok {
		return s.failed(resp, verification.Nonce, types.NewError(types.ErrSettlementFailure, "transaction %s settled nothing", res.Signature), start)
	}

	resp.Success = true
	resp.Signature = res.Signature

	s.metrics.IncCounter("settlement", map[string]string{"result": "success"})
	s.metrics.ObserveLatency("settlement", s.now().Sub(start), map[string]string{"result": "success"})
	s.logger.Info("payment settled", map[string]any{
		"signature": resp.Signature,
		"payer":     resp.Payer,
		"amount":    resp.Amount,
	})

	return resp, nil
}

func (s *SettlementService) failed(resp *types.SettlementResponse, n string, cause error, start time.Time) (*types.SettlementResponse, error) {
	if n != "" {
		s.nonces.Commit(n)
	}
	if resp == nil {
		resp = &types.SettlementResponse{}
	}

	resp.Success = false
	resp.Error = cause.Error()

	s.metrics.IncCounter("settlement", map[string]string{"result": "failure"})
	s.metrics.ObserveLatency("settlement", s.now().Sub(start), map[string]string{"result": "failure"})
	s.logger.Error("settlement failed", map[string]any{
		"signature": resp.Signature,
		"payer":     resp.Payer,
		"error":     resp.Error,
	})

	if types.ErrorCode(cause) == types.ErrSettlementFailure {
		return resp, cause
	}
	return resp, fmt.Errorf("%s: %w", types.ErrSettlementFailure, cause)
}
