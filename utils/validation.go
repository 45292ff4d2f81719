package utils

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ToAtomicUnits converts a token amount such as "0.5" into integer base units.
func ToAtomicUnits(amount string, decimals int32) (uint64, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return 0, err
	}

	atomic := dec.Shift(decimals)
	if !atomic.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	if !atomic.IsPositive() {
		return 0, fmt.Errorf("amount must be greater than 0")
	}

	if !atomic.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows u64 base units", amount)
	}

	return atomic.BigInt().Uint64(), nil
}

// FormatTokenAmount renders base units as a decimal token amount.
func FormatTokenAmount(atomic uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(atomic), -decimals).String()
}

// ValidateAddress checks that an address is plausible base58 of the right length.
func ValidateAddress(address string) error {
	if len(address) < 32 || len(address) > 44 {
		return fmt.Errorf("address has invalid length")
	}
	if !isBase58String(address) {
		return fmt.Errorf("address must be valid base58")
	}
	return nil
}

// Helper function to check if a string is valid hexadecimal
func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

// Helper function to check if a string is valid base58
func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}
