// Package clients pays for S-IO protected resources from the buyer side.
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/sio/builder"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
)

const (
	DefaultPaymentTimeout = 10 * time.Second

	maxChallengeBytes = 1 << 20
)

var _ http.RoundTripper = (*Transport)(nil)

// Transport answers a 402 challenge by building a payment transaction and
// retrying the request once with the evidence attached.
type Transport struct {
	next    http.RoundTripper
	wallet  builder.Wallet
	builder *builder.TransactionBuilder

	maxAmount uint64
	networks  []types.Network
	timeout   time.Duration
	logger    logger.Logger
}

func NewTransport(next http.RoundTripper, wallet builder.Wallet, b *builder.TransactionBuilder, opts ...Option) (*Transport, error) {
	if wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if b == nil {
		return nil, errors.New("transaction builder is required")
	}
	if next == nil {
		next = http.DefaultTransport
	}

	t := &Transport{
		next:    next,
		wallet:  wallet,
		builder: b,
		networks: []types.Network{
			types.NetworkSolanaMainnet,
			types.NetworkSolanaDevnet,
		},
		timeout: DefaultPaymentTimeout,
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewHTTPClient returns an http.Client that pays through a Transport.
func NewHTTPClient(wallet builder.Wallet, b *builder.TransactionBuilder, opts ...Option) (*http.Client, error) {
	t, err := NewTransport(nil, wallet, b, opts...)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The body is sent twice when payment is required.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	first := withBody(req.Clone(req.Context()), body)
	resp, err := t.next.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || req.Header.Get(types.HeaderPayment) != "" {
		return resp, nil
	}

	evidence, err := t.pay(req.Context(), resp)
	if err != nil {
		return nil, err
	}

	retry := withBody(req.Clone(req.Context()), body)
	retry.Header.Set(types.HeaderPayment, evidence)
	return t.next.RoundTrip(retry)
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return req
}

func (t *Transport) pay(ctx context.Context, resp *http.Response) (string, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read challenge: %w", err)
	}

	challenge, err := utils.ParseChallenge(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse challenge: %w", err)
	}
	if challenge.Requirements == nil {
		return "", fmt.Errorf("%w: %s", ErrNoRequirements, challenge.Error)
	}

	return t.Evidence(ctx, challenge.Requirements)
}

// Evidence builds the encoded payment header value for requirements.
func (t *Transport) Evidence(ctx context.Context, requirements *types.PaymentRequirements) (string, error) {
	req := requirements
	if req.Protocol != types.ProtocolID || req.Version != types.ProtocolVersion1 {
		return "", fmt.Errorf("%w: protocol %s version %d", ErrUnsupportedRequirements, req.Protocol, req.Version)
	}
	if !slices.Contains(t.networks, types.Network(req.Network)) {
		return "", fmt.Errorf("%w: network %s", ErrUnsupportedRequirements, req.Network)
	}

	amount, err := req.AtomicAmount()
	if err != nil {
		return "", err
	}
	if t.maxAmount > 0 && amount > t.maxAmount {
		return "", fmt.Errorf("%w: asked %d, limit %d", ErrAmountExceedsLimit, amount, t.maxAmount)
	}

	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return "", fmt.Errorf("%w: recipient: %v", ErrUnsupportedRequirements, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	built, err := t.builder.BuildPayment(ctx, t.wallet, recipient, amount, req.Nonce)
	if err != nil {
		return "", fmt.Errorf("failed to build payment: %w", err)
	}
	payload, err := t.builder.Payload(built.Transaction, t.wallet.PublicKey())
	if err != nil {
		return "", err
	}

	t.logger.Debug("paying for resource", map[string]any{
		"resource":  req.Resource,
		"amount":    amount,
		"recipient": req.Recipient,
		"signature": built.Signature,
	})
	return utils.EncodePayload(payload)
}

// Settlement decodes the settlement header of resp, or returns nil when the
// response carries none.
func Settlement(resp *http.Response) (*types.SettlementResponse, error) {
	header := resp.Header.Get(types.HeaderSettlement)
	if header == "" {
		return nil, nil
	}
	return utils.DecodeSettlement(header)
}
