package utils

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/sio/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator exposes the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// EncodePayload serializes a payload as base64 over JSON.
func EncodePayload(p *types.PaymentPayload) (string, error) {
	return encode(p)
}

// DecodePayload reverses EncodePayload and checks the payload schema.
func DecodePayload(s string) (*types.PaymentPayload, error) {
	var p types.PaymentPayload
	if err := decode(s, &p); err != nil {
		return nil, err
	}

	if err := validate.Struct(&p); err != nil {
		return nil, &types.SIOError{
			Code:    types.ErrMalformedPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &p, nil
}

// EncodeSettlement serializes a settlement response for the settlement header.
func EncodeSettlement(r *types.SettlementResponse) (string, error) {
	return encode(r)
}

// DecodeSettlement parses a settlement header value.
func DecodeSettlement(s string) (*types.SettlementResponse, error) {
	var r types.SettlementResponse
	if err := decode(s, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ParsePaymentRequirements parses and validates PaymentRequirements from JSON
func ParsePaymentRequirements(data []byte) (*types.PaymentRequirements, error) {
	var req types.PaymentRequirements

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.SIOError{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("failed to parse payment requirements: %v", err),
		}
	}

	if err := ValidatePaymentRequirements(&req); err != nil {
		return nil, err
	}

	return &req, nil
}

// ValidatePaymentRequirements runs tag and semantic validation.
func ValidatePaymentRequirements(req *types.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return &types.SIOError{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if err := req.Validate(); err != nil {
		return &types.SIOError{
			Code:    types.ErrInvalidRequirements,
			Message: err.Error(),
		}
	}

	return nil
}

// ParseChallenge parses a 402 body.
func ParseChallenge(data []byte) (*types.ChallengeResponse, error) {
	var ch types.ChallengeResponse
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, &types.SIOError{
			Code:    types.ErrMalformedPayload,
			Message: fmt.Sprintf("failed to parse challenge: %v", err),
		}
	}

	if ch.Protocol != types.ProtocolID {
		return nil, types.NewError(types.ErrProtocolMismatch, "challenge protocol %q", ch.Protocol)
	}

	if ch.Requirements != nil {
		if err := ValidatePaymentRequirements(ch.Requirements); err != nil {
			return nil, err
		}
	}

	return &ch, nil
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(s string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return &types.SIOError{
			Code:    types.ErrMalformedPayload,
			Message: fmt.Sprintf("invalid base64: %v", err),
		}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &types.SIOError{
			Code:    types.ErrMalformedPayload,
			Message: fmt.Sprintf("invalid json: %v", err),
		}
	}

	return nil
}

// CanonicalJSON re-encodes v with sorted object keys, no insignificant
// whitespace and no HTML escaping. Characters outside ASCII are written as
// \uXXXX escapes (UTF-16 surrogate pairs above the BMP) so hashes agree with
// ASCII-only encoders.
func CanonicalJSON(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("content is not valid json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}

	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func escapeNonASCII(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, r := range string(b) {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}
