// Package sio wires the S-IO payment-gated resource protocol together:
// instruction validation, transaction processing, payment verification and
// settlement, and the HTTP gate.
package sio

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/builder"
	"github.com/vitwit/sio/config"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/middleware"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/settlement"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"github.com/vitwit/sio/verification"
)

// SIO is the main struct that provides all protocol functionality.
type SIO struct {
	config    config.Config
	programID solana.PublicKey

	cache     store.Cache
	accounts  *store.AccountStore
	nonces    *nonce.Registry
	validator *verification.InstructionValidator
	processor *settlement.Processor
	verifier  *verification.VerificationService
	settler   *settlement.SettlementService
	builder   *builder.TransactionBuilder
	gate      *middleware.Gate

	timeout time.Duration
	now     types.Clock
	logger  logger.Logger
	metrics metrics.Recorder
}

// New builds every component from cfg.
func New(cfg config.Config, opts ...Option) (*SIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	programID, err := cfg.ProgramID()
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "program id: %v", err)
	}

	s := &SIO{
		config:    cfg,
		programID: programID,
		now:       time.Now,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = store.NewMemoryCache(s.now)
	}

	s.accounts = store.NewAccountStore(s.cache)
	s.nonces = nonce.NewRegistry()
	s.validator = verification.NewInstructionValidator(programID, s.accounts, s.nonces)

	processorOpts := []settlement.ProcessorOption{
		settlement.WithProcessorClock(s.now),
		settlement.WithProcessorLogger(s.logger),
		settlement.WithProcessorMetrics(s.metrics),
	}
	if cfg.Protocol.PartialApply {
		processorOpts = append(processorOpts, settlement.WithPartialApply())
	}
	s.processor = settlement.NewProcessor(s.validator, s.accounts, s.nonces, processorOpts...)

	verifyOpts := []verification.Option{
		verification.WithClock(s.now),
		verification.WithLogger(s.logger),
		verification.WithMetrics(s.metrics),
	}
	settleOpts := []settlement.Option{
		settlement.WithClock(s.now),
		settlement.WithLogger(s.logger),
		settlement.WithMetrics(s.metrics),
	}
	if t := firstPositive(s.timeout, cfg.Protocol.VerifyTimeout); t > 0 {
		verifyOpts = append(verifyOpts, verification.WithTimeout(t))
	}
	if t := firstPositive(s.timeout, cfg.Protocol.SettleTimeout); t > 0 {
		settleOpts = append(settleOpts, settlement.WithTimeout(t))
	}
	s.verifier = verification.NewVerificationService(s.validator, s.nonces, verifyOpts...)
	s.settler = settlement.NewSettlementService(s.processor, s.nonces, settleOpts...)

	s.builder = builder.NewTransactionBuilder(programID, s.accounts,
		builder.WithClock(s.now),
		builder.WithLogger(s.logger),
	)

	s.gate = middleware.NewGate(s.verifier, s.settler, middleware.GateConfig{
		Recipient:       cfg.Protocol.Recipient,
		Network:         types.Network(cfg.Protocol.Network),
		Token:           cfg.Protocol.Token,
		Timeout:         cfg.Protocol.Timeout,
		ResourceRootURL: cfg.Server.ResourceRootURL,
	},
		middleware.WithLogger(s.logger),
		middleware.WithMetrics(s.metrics),
	)

	s.logger.Info("sio initialized", map[string]any{
		"programId":    programID.String(),
		"network":      cfg.Protocol.Network,
		"partialApply": cfg.Protocol.PartialApply,
		"resources":    len(cfg.Resources),
	})
	return s, nil
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}

// Verify checks payment evidence against requirements and reserves its nonce.
func (s *SIO) Verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	return s.verifier.Verify(ctx, payload, requirements)
}

// Release gives back the nonce reservation of a verified payment that will
// not be settled.
func (s *SIO) Release(result *types.VerificationResult) {
	s.verifier.Release(result)
}

// Settle applies a verified payment.
func (s *SIO) Settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	result *types.VerificationResult,
) (*types.SettlementResponse, error) {
	return s.settler.Settle(ctx, payload, result)
}

// Process decodes a base64 transaction and applies it.
func (s *SIO) Process(ctx context.Context, transaction string) (*types.TransactionResult, error) {
	tx, err := utils.DecodeTransaction(transaction)
	if err != nil {
		return nil, err
	}
	return s.processor.Process(ctx, tx)
}

// TransactionStatus returns the audit record of a processed transaction.
func (s *SIO) TransactionStatus(signature string) (*types.TransactionResult, error) {
	return s.processor.TransactionStatus(signature)
}

// VerifyPaymentSignature reports whether signature settled at least amount.
func (s *SIO) VerifyPaymentSignature(signature string, amount uint64) *types.PaymentVerification {
	return s.processor.VerifyPaymentSignature(signature, amount)
}

// Content returns data whose StoreData instruction has been applied.
func (s *SIO) Content(dataHash string) (*types.ContentRecord, error) {
	if _, err := utils.ParseHash32(dataHash); err != nil {
		return nil, types.NewError(types.ErrInvalidInstructionPayload, "data hash: %v", err)
	}
	if !s.accounts.HasAccount(dataHash) {
		return nil, types.NewError(types.ErrNotFound, "no account for %s", dataHash)
	}

	content, err := s.accounts.GetContent(dataHash)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, types.NewError(types.ErrNotFound, "no content for %s", dataHash)
	}
	return content, nil
}

func (s *SIO) Stats() types.ProcessorStats {
	return s.processor.Stats()
}

// Health reports liveness plus the current counters.
func (s *SIO) Health() types.HealthStatus {
	return types.HealthStatus{
		Status:    "healthy",
		Version:   Version,
		ProgramID: s.programID.String(),
		Network:   s.config.Protocol.Network,
		Timestamp: s.now().Unix(),
		Stats:     s.processor.Stats(),
	}
}

// Protect gates a handler behind the configured price of resource name.
func (s *SIO) Protect(name string) (middleware.Middleware, error) {
	res, ok := s.config.Resource(name)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "resource %q is not configured", name)
	}
	price, err := res.AtomicPrice(s.config.Protocol.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("price of %s: %w", name, err)
	}
	return s.gate.Protect(price, middleware.WithDescription(res.Description)), nil
}

func (s *SIO) Gate() *middleware.Gate {
	return s.gate
}

func (s *SIO) Builder() *builder.TransactionBuilder {
	return s.builder
}

func (s *SIO) Config() config.Config {
	return s.config
}

func (s *SIO) ProgramID() solana.PublicKey {
	return s.programID
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = types.ProtocolVersion1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol":         types.ProtocolID,
		"protocol_version": int(ProtocolVersion),
		"supported_networks": []string{
			types.NetworkSolanaMainnet.String(),
			types.NetworkSolanaDevnet.String(),
		},
		"supported_instructions": []string{
			"store_data", "retrieve_data", "verify_payment", "settle_payment",
		},
	}
}
