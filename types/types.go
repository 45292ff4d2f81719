package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequirements defines what a protected resource costs to access.
type PaymentRequirements struct {
	// Protocol marker, always "s-io".
	Protocol string `json:"protocol" validate:"required"`

	// Version of the S-IO protocol.
	Version ProtocolVersion `json:"version" validate:"required,gt=0"`

	// Network the token lives on.
	Network string `json:"network" validate:"required"`

	// Amount required in atomic token units.
	// Represented as a string so callers are not bound to a machine integer width.
	Amount string `json:"amount" validate:"required"`

	// Mint of the token the payment is made in.
	Token string `json:"token" validate:"required"`

	// Address that receives the payment.
	Recipient string `json:"recipient" validate:"required"`

	// URL of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// Seconds a payload stays acceptable after its creation timestamp.
	Timeout int64 `json:"timeout" validate:"required,gt=0"`

	// Fresh random hex nonce, one per invocation.
	Nonce string `json:"nonce" validate:"required,hexadecimal,len=64"`
}

// Validate checks the fields that struct tags cannot express.
func (pr *PaymentRequirements) Validate() error {
	if pr.Protocol != ProtocolID {
		return fmt.Errorf("requirements.protocol must be %q", ProtocolID)
	}

	if pr.Timeout <= 0 {
		return fmt.Errorf("requirements.timeout must be greater than 0")
	}

	if _, err := pr.AtomicAmount(); err != nil {
		return err
	}

	return nil
}

// AtomicAmount parses Amount as a positive integer.
func (pr *PaymentRequirements) AtomicAmount() (uint64, error) {
	d, err := decimal.NewFromString(pr.Amount)
	if err != nil {
		return 0, fmt.Errorf("requirements.amount is not a number: %w", err)
	}

	if !d.IsInteger() || !d.IsPositive() {
		return 0, fmt.Errorf("requirements.amount must be a positive integer, got %s", pr.Amount)
	}

	if !d.BigInt().IsUint64() {
		return 0, fmt.Errorf("requirements.amount overflows u64: %s", pr.Amount)
	}

	return d.BigInt().Uint64(), nil
}

// PaymentPayload is the payer-side evidence carried in the payment header.
type PaymentPayload struct {
	Protocol string          `json:"protocol" validate:"required"`
	Version  ProtocolVersion `json:"version" validate:"required,gt=0"`

	// Base58 signature of the transaction, equal to its first signature.
	Signature string `json:"signature" validate:"required"`

	// Base64 of the serialized, signed transaction.
	Transaction string `json:"transaction" validate:"required,base64"`

	// Base58 public key of the payer.
	Payer string `json:"payer" validate:"required"`

	// Unix seconds at which the payload was created.
	Timestamp int64 `json:"timestamp" validate:"required,gt=0"`
}

// SettlementResponse is returned in the settlement header after delivery.
type SettlementResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
	Payer     string `json:"payer,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// ChallengeResponse is the 402 body.
type ChallengeResponse struct {
	Error        string               `json:"error"`
	Protocol     string               `json:"protocol"`
	Requirements *PaymentRequirements `json:"requirements,omitempty"`
}

// DiscoveryResource describes one priced endpoint.
type DiscoveryResource struct {
	Endpoint    string `json:"endpoint"`
	Cost        string `json:"cost"`
	Description string `json:"description"`
	Method      string `json:"method"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool       `json:"isValid"`
	InvalidReason string     `json:"invalidReason,omitempty"`
	Error         string     `json:"error,omitempty"`
	Payer         string     `json:"payer,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	Amount        uint64     `json:"amount,omitempty"`
	Nonce         string     `json:"nonce,omitempty"`
	Signature     string     `json:"signature,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// AccountRecord is the cached state of a simulated program account.
type AccountRecord struct {
	Discriminator uint8  `json:"discriminator"`
	Owner         string `json:"owner"`
	DataHash      string `json:"dataHash,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	Metadata      string `json:"metadata,omitempty"`
	Settled       bool   `json:"settled"`
	Amount        uint64 `json:"amount,omitempty"`
}

// ContentRecord holds the content a data hash was computed from.
type ContentRecord struct {
	Data        []byte `json:"data"`
	Metadata    string `json:"metadata,omitempty"`
	Payer       string `json:"payer"`
	DataAccount string `json:"dataAccount"`
	StoredAt    int64  `json:"storedAt"`
}

// VerificationRecord caches a consumed payment nonce for a short while.
type VerificationRecord struct {
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Nonce     string `json:"nonce"`
	Verified  bool   `json:"verified"`
	Timestamp int64  `json:"timestamp"`
}

// SettlementRecord is written by a settle instruction.
type SettlementRecord struct {
	SettlementID string `json:"settlementId"`
	Payer        string `json:"payer"`
	Recipient    string `json:"recipient"`
	Amount       uint64 `json:"amount"`
	Settled      bool   `json:"settled"`
	Timestamp    int64  `json:"timestamp"`
}

// InstructionResult is the outcome of one applied instruction.
type InstructionResult struct {
	Index        int    `json:"index"`
	Kind         string `json:"kind"`
	Success      bool   `json:"success"`
	DataHash     string `json:"dataHash,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Metadata     string `json:"metadata,omitempty"`
	StoredAt     int64  `json:"storedAt,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	Amount       uint64 `json:"amount,omitempty"`
	SettlementID string `json:"settlementId,omitempty"`
	Payer        string `json:"payer,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TransactionResult is the audit record cached per processed transaction.
type TransactionResult struct {
	Signature string              `json:"signature"`
	Processed bool                `json:"processed"`
	Timestamp int64               `json:"timestamp"`
	Results   []InstructionResult `json:"results"`
	Error     string              `json:"error,omitempty"`
}

// Settlement returns the first settle outcome in the transaction, if any.
func (r *TransactionResult) Settlement() (*InstructionResult, bool) {
	for i := range r.Results {
		if r.Results[i].SettlementID != "" {
			return &r.Results[i], true
		}
	}
	return nil, false
}

// PaymentVerification answers whether a signature is a settled payment.
type PaymentVerification struct {
	Verified     bool   `json:"verified"`
	Reason       string `json:"reason,omitempty"`
	Signature    string `json:"signature"`
	Amount       uint64 `json:"amount,omitempty"`
	SettlementID string `json:"settlementId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// ProcessorStats are cumulative counters since start.
type ProcessorStats struct {
	TransactionsProcessed uint64  `json:"transactionsProcessed"`
	DataStored            uint64  `json:"dataStored"`
	PaymentsSettled       uint64  `json:"paymentsSettled"`
	Errors                uint64  `json:"errors"`
	NoncesUsed            int     `json:"noncesUsed"`
	SuccessRate           float64 `json:"successRate"`
}

// HealthStatus is reported by the health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	ProgramID string         `json:"programId"`
	Network   string         `json:"network"`
	Timestamp int64          `json:"timestamp"`
	Stats     ProcessorStats `json:"stats"`
}

// SIOError carries a machine-parseable reason code.
type SIOError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e SIOError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches any SIOError with the same code.
func (e *SIOError) Is(target error) bool {
	var t *SIOError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an SIOError with a formatted message.
func NewError(code, format string, args ...any) *SIOError {
	return &SIOError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode extracts the reason code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var e *SIOError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Protocol error codes
const (
	ErrMalformedPayload          = "malformed_payload"
	ErrProtocolMismatch          = "protocol_mismatch"
	ErrPaymentExpired            = "payment_expired"
	ErrReplayedNonce             = "replayed_nonce"
	ErrInsufficientAccounts      = "insufficient_accounts"
	ErrInvalidInstructionPayload = "invalid_instruction_payload"
	ErrUnknownInstruction        = "unknown_instruction"
	ErrDuplicateData             = "duplicate_data"
	ErrNotFound                  = "not_found"
	ErrSettlementFailure         = "settlement_failure"

	ErrInvalidTransaction        = "invalid_transaction"
	ErrNoProtocolInstruction     = "no_protocol_instruction"
	ErrInvalidAccountFlags       = "invalid_account_flags"
	ErrInvalidSignature          = "invalid_signature"
	ErrInsufficientAmount        = "insufficient_amount"
	ErrRecipientMismatch         = "recipient_mismatch"
	ErrPayerMismatch             = "payer_mismatch"
	ErrPaymentInstructionMissing = "payment_instruction_missing"
	ErrInvalidRequirements       = "invalid_requirements"
	ErrConfigError               = "config_error"
	ErrRateLimited               = "rate_limited"
	ErrInternal                  = "internal_error"
)
