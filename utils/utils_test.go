package utils

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/sio/types"
)

func validPayload() *types.PaymentPayload {
	return &types.PaymentPayload{
		Protocol:    types.ProtocolID,
		Version:     types.ProtocolVersion1,
		Signature:   "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
		Transaction: "AQID",
		Payer:       solana.NewWallet().PublicKey().String(),
		Timestamp:   1_700_000_000,
	}
}

func TestPayloadCodec(t *testing.T) {
	p := validPayload()

	encoded, err := EncodePayload(p)
	require.NoError(t, err)

	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	again, err := EncodePayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestDecodePayload_Malformed(t *testing.T) {
	noTimestamp := validPayload()
	noTimestamp.Timestamp = 0
	missing, err := EncodePayload(noTimestamp)
	require.NoError(t, err)

	badTx := validPayload()
	badTx.Transaction = "%%"
	badTxEncoded, err := EncodePayload(badTx)
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":        "%%%",
		"not json":          "bm90IGpzb24=",
		"missing timestamp": missing,
		"bad transaction":   badTxEncoded,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload(in)
			assert.Equal(t, types.ErrMalformedPayload, types.ErrorCode(err))
		})
	}
}

func TestSettlementCodec(t *testing.T) {
	r := &types.SettlementResponse{Success: true, Signature: "sig", Payer: "p", Amount: "10"}
	encoded, err := EncodeSettlement(r)
	require.NoError(t, err)

	decoded, err := DecodeSettlement(encoded)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestParsePaymentRequirements(t *testing.T) {
	n, err := RandomNonce()
	require.NoError(t, err)

	raw := []byte(`{"protocol":"s-io","version":1,"network":"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp","amount":"500000","token":"t","recipient":"r","timeout":60,"nonce":"` + n + `"}`)
	req, err := ParsePaymentRequirements(raw)
	require.NoError(t, err)
	assert.Equal(t, "500000", req.Amount)

	cases := map[string]string{
		"bad json":       `{`,
		"zero amount":    `{"protocol":"s-io","version":1,"network":"n","amount":"0","token":"t","recipient":"r","timeout":60,"nonce":"` + n + `"}`,
		"short nonce":    `{"protocol":"s-io","version":1,"network":"n","amount":"1","token":"t","recipient":"r","timeout":60,"nonce":"ab"}`,
		"wrong protocol": `{"protocol":"other","version":1,"network":"n","amount":"1","token":"t","recipient":"r","timeout":60,"nonce":"` + n + `"}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePaymentRequirements([]byte(in))
			assert.Equal(t, types.ErrInvalidRequirements, types.ErrorCode(err))
		})
	}
}

func TestParseChallenge(t *testing.T) {
	ch, err := ParseChallenge([]byte(`{"error":"payment_expired","protocol":"s-io"}`))
	require.NoError(t, err)
	assert.Equal(t, types.ErrPaymentExpired, ch.Error)
	assert.Nil(t, ch.Requirements)

	_, err = ParseChallenge([]byte(`{"error":"x","protocol":"other"}`))
	assert.Equal(t, types.ErrProtocolMismatch, types.ErrorCode(err))
}

func TestContentHash(t *testing.T) {
	sum, canonical, err := ContentHash(map[string]any{"b": 2, "a": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":2}`, string(canonical))
	assert.Equal(t, sha256.Sum256(canonical), sum)

	_, _, err = ContentHash([]byte("{"))
	assert.Error(t, err)
}

func TestCanonicalJSON_EscapesNonASCII(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"name": "café", "mood": "😀", "kéy": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"k\u00e9y":1,"mood":"\ud83d\ude00","name":"caf\u00e9"}`, string(out))

	// Already-escaped input hashes the same as the raw characters.
	raw, err := CanonicalJSON([]byte(`{"name":"caf\u00e9"}`))
	require.NoError(t, err)
	same, err := CanonicalJSON(map[string]any{"name": "café"})
	require.NoError(t, err)
	assert.Equal(t, same, raw)
}

func TestDerivations(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	at := time.Unix(1_700_000_000, 5)

	assert.Equal(t, DeriveNonce(payer, recipient, 10, at), DeriveNonce(payer, recipient, 10, at))
	assert.NotEqual(t, DeriveNonce(payer, recipient, 10, at), DeriveNonce(payer, recipient, 11, at))

	id := DeriveSettlementID(payer, recipient, at, "sig")
	assert.Len(t, id, 16)
	assert.NotEqual(t, id, DeriveSettlementID(payer, recipient, at, "other"))

	assert.Equal(t, DeriveProgramID("seed"), DeriveProgramID("seed"))
	assert.NotEqual(t, DeriveProgramID("seed"), DeriveProgramID("seed2"))

	n, err := RandomNonce()
	require.NoError(t, err)
	_, err = ParseHash32(n)
	assert.NoError(t, err)
	_, err = ParseHash32("zz")
	assert.Error(t, err)
}

func TestAmounts(t *testing.T) {
	v, err := ToAtomicUnits("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), v)
	assert.Equal(t, "1.5", FormatTokenAmount(v, 6))

	for _, bad := range []string{"", "-1", "0", "abc", "0.0000001", "18446744073709551616"} {
		_, err := ToAtomicUnits(bad, 6)
		assert.Error(t, err, bad)
	}

	assert.NoError(t, ValidateAddress(solana.NewWallet().PublicKey().String()))
	assert.Error(t, ValidateAddress("short"))
	assert.Error(t, ValidateAddress("0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"))
}
