// Package middleware gates net/http handlers behind S-IO payments.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/settlement"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"github.com/vitwit/sio/verification"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// GateConfig holds the values shared by every requirement a gate issues.
type GateConfig struct {
	Recipient       string
	Network         types.Network
	Token           string
	Timeout         int64
	ResourceRootURL string
}

// Gate issues payment challenges, verifies evidence, and settles after the
// protected handler succeeded.
type Gate struct {
	verifier verification.Verifier
	settler  settlement.Settler
	config   GateConfig
	nonce    func() (string, error)
	logger   logger.Logger
	metrics  metrics.Recorder
}

// GateOption configures a Gate.
type GateOption func(*Gate)

func WithLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

func WithMetrics(r metrics.Recorder) GateOption {
	return func(g *Gate) {
		g.metrics = r
	}
}

// WithNonceSource replaces the random requirement nonce generator.
func WithNonceSource(fn func() (string, error)) GateOption {
	return func(g *Gate) {
		g.nonce = fn
	}
}

// NewGate creates a gate. Zero config values fall back to the protocol
// defaults.
func NewGate(verifier verification.Verifier, settler settlement.Settler, config GateConfig, opts ...GateOption) *Gate {
	if config.Network == "" {
		config.Network = types.NetworkSolanaMainnet
	}
	if config.Token == "" {
		config.Token = types.DefaultTokenMint
	}
	if config.Timeout <= 0 {
		config.Timeout = types.DefaultTimeoutSeconds
	}

	g := &Gate{
		verifier: verifier,
		settler:  settler,
		config:   config,
		nonce:    utils.RandomNonce,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type protectOptions struct {
	description string
	resource    string
	timeout     int64
}

// ProtectOption customizes the requirements of one protected handler.
type ProtectOption func(*protectOptions)

func WithDescription(description string) ProtectOption {
	return func(o *protectOptions) {
		o.description = description
	}
}

// WithResource fixes the resource locator instead of deriving it from the
// request path.
func WithResource(resource string) ProtectOption {
	return func(o *protectOptions) {
		o.resource = resource
	}
}

// WithTimeout sets how many seconds a payload stays acceptable.
func WithTimeout(seconds int64) ProtectOption {
	return func(o *protectOptions) {
		o.timeout = seconds
	}
}

// Requirements builds fresh requirements for a call to r costing amount
// atomic units.
func (g *Gate) Requirements(r *http.Request, amount uint64, opts ...ProtectOption) (*types.PaymentRequirements, error) {
	o := &protectOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return g.requirements(r, amount, o)
}

func (g *Gate) requirements(r *http.Request, amount uint64, o *protectOptions) (*types.PaymentRequirements, error) {
	nonce, err := g.nonce()
	if err != nil {
		return nil, err
	}

	resource := o.resource
	if resource == "" {
		resource = g.config.ResourceRootURL + r.URL.Path
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = g.config.Timeout
	}

	req := &types.PaymentRequirements{
		Protocol:    types.ProtocolID,
		Version:     types.ProtocolVersion1,
		Network:     g.config.Network.String(),
		Amount:      strconv.FormatUint(amount, 10),
		Token:       g.config.Token,
		Recipient:   g.config.Recipient,
		Resource:    resource,
		Description: o.description,
		Timeout:     timeout,
		Nonce:       nonce,
	}

	if err := utils.ValidatePaymentRequirements(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Protect gates next behind a payment of amount atomic units.
func (g *Gate) Protect(amount uint64, opts ...ProtectOption) Middleware {
	o := &protectOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requirements, err := g.requirements(r, amount, o)
			if err != nil {
				g.logger.Error("failed to build payment requirements", map[string]any{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
				writeErrorResponse(w, http.StatusInternalServerError, types.ErrInvalidRequirements)
				return
			}

			header := r.Header.Get(types.HeaderPayment)
			if header == "" {
				g.metrics.IncCounter("challenge", map[string]string{"reason": "no_evidence"})
				writePaymentRequired(w, types.HeaderPayment+" header is required", requirements)
				return
			}

			payload, err := utils.DecodePayload(header)
			if err != nil {
				g.reject(w, r, types.ErrMalformedPayload, err.Error(), requirements)
				return
			}

			result, err := g.verifier.Verify(r.Context(), payload, requirements)
			if err != nil {
				g.logger.Error("payment verification failed", map[string]any{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
				code := types.ErrorCode(err)
				if code == "" {
					code = types.ErrInternal
				}
				writeErrorResponse(w, http.StatusInternalServerError, code)
				return
			}
			if !result.IsValid {
				g.reject(w, r, result.InvalidReason, result.Error, requirements)
				return
			}

			buf := newBufferedWriter()
			g.serve(next, buf, r.WithContext(withPayment(r.Context(), result)), result)

			if r.Context().Err() != nil {
				g.verifier.Release(result)
				g.logger.Info("request cancelled before settlement", map[string]any{
					"path":  r.URL.Path,
					"payer": result.Payer,
				})
				return
			}

			if buf.status >= http.StatusBadRequest {
				g.verifier.Release(result)
				buf.flush(w)
				return
			}

			settled, err := g.settler.Settle(r.Context(), payload, result)
			if err != nil {
				g.logger.Error("settlement failed after delivery", map[string]any{
					"path":  r.URL.Path,
					"payer": result.Payer,
					"error": err.Error(),
				})
				if settled == nil {
					settled = &types.SettlementResponse{Error: err.Error(), Payer: result.Payer}
				}
			}

			encoded, encErr := utils.EncodeSettlement(settled)
			if encErr != nil {
				g.logger.Error("failed to encode settlement", map[string]any{"error": encErr.Error()})
			} else {
				buf.Header().Set(types.HeaderSettlement, encoded)
			}

			buf.flush(w)
		})
	}
}

// serve runs next and releases the reservation if it panics. The panic is
// re-raised unchanged.
func (g *Gate) serve(next http.Handler, w http.ResponseWriter, r *http.Request, result *types.VerificationResult) {
	defer func() {
		if p := recover(); p != nil {
			g.verifier.Release(result)
			panic(p)
		}
	}()
	next.ServeHTTP(w, r)
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, code, detail string, requirements *types.PaymentRequirements) {
	g.metrics.IncCounter("challenge", map[string]string{"reason": code})
	g.logger.Warn("payment rejected", map[string]any{
		"path":   r.URL.Path,
		"reason": code,
		"detail": detail,
	})
	writePaymentRequired(w, code, requirements)
}

type paymentKey struct{}

func withPayment(ctx context.Context, result *types.VerificationResult) context.Context {
	return context.WithValue(ctx, paymentKey{}, result)
}

// PaymentFromContext returns the verified payment of a gated request.
func PaymentFromContext(ctx context.Context) (*types.VerificationResult, bool) {
	result, ok := ctx.Value(paymentKey{}).(*types.VerificationResult)
	return result, ok
}

func writePaymentRequired(w http.ResponseWriter, reason string, requirements *types.PaymentRequirements) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(types.ChallengeResponse{
		Error:        reason,
		Protocol:     types.ProtocolID,
		Requirements: requirements,
	})
}

func writeErrorResponse(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ChallengeResponse{
		Error:    code,
		Protocol: types.ProtocolID,
	})
}

// DiscoveryHandler serves the catalog of priced endpoints.
func DiscoveryHandler(catalog []types.DiscoveryResource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"protocol":  types.ProtocolID,
			"version":   types.ProtocolVersion1,
			"resources": catalog,
		})
	})
}
