package builder

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Wallet signs transaction messages on behalf of a single public key.
type Wallet interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, message []byte) (solana.Signature, error)
}

// KeypairWallet is a Wallet backed by an in-memory ed25519 key.
type KeypairWallet struct {
	key solana.PrivateKey
}

var _ Wallet = (*KeypairWallet)(nil)

// NewKeypairWallet wraps key.
func NewKeypairWallet(key solana.PrivateKey) (*KeypairWallet, error) {
	if !key.IsValid() {
		return nil, fmt.Errorf("invalid private key")
	}
	return &KeypairWallet{key: key}, nil
}

// NewKeypairWalletFromBase58 parses a base58-encoded private key.
func NewKeypairWalletFromBase58(privateKeyBase58 string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeypairWallet(key)
}

// NewRandomWallet generates a fresh keypair.
func NewRandomWallet() (*KeypairWallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeypairWallet{key: key}, nil
}

func (w *KeypairWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *KeypairWallet) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	return w.key.Sign(message)
}
