package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// ContentHash returns the sha256 of the canonical JSON form of data together
// with that canonical form.
func ContentHash(data any) ([32]byte, []byte, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return sha256.Sum256(canonical), canonical, nil
}

// RandomNonce returns 32 random bytes as lowercase hex.
func RandomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DeriveNonce binds a payment nonce to its parties, amount and creation time.
func DeriveNonce(payer, recipient solana.PublicKey, amount uint64, at time.Time) [32]byte {
	return crypto.Keccak256Hash(
		payer.Bytes(),
		recipient.Bytes(),
		[]byte(strconv.FormatUint(amount, 10)),
		[]byte(strconv.FormatInt(at.UnixNano(), 10)),
	)
}

// DeriveSettlementID returns the 16 hex character id of a settlement record.
func DeriveSettlementID(payer, recipient solana.PublicKey, at time.Time, signature string) string {
	h := crypto.Keccak256(
		payer.Bytes(),
		recipient.Bytes(),
		[]byte(strconv.FormatInt(at.UnixNano(), 10)),
		[]byte(signature),
	)
	return hex.EncodeToString(h)[:16]
}

// DeriveProgramID maps a seed string onto a stable program public key.
func DeriveProgramID(seed string) solana.PublicKey {
	return solana.PublicKeyFromBytes(crypto.Keccak256([]byte(seed)))
}

// ParseHash32 decodes a 64 character hex string.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 || !isHexString(s) {
		return out, fmt.Errorf("expected 64 hex characters, got %q", s)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
