package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitwit/sio/types"
)

// Namespace separates record kinds inside one cache.
type Namespace string

const (
	NamespaceAccount      Namespace = "sio_account:"
	NamespaceData         Namespace = "sio_data:"
	NamespaceTransaction  Namespace = "sio_tx:"
	NamespaceVerification Namespace = "sio_verify:"
	NamespaceSettlement   Namespace = "sio_settlement:"
)

// Key prefixes id with the namespace.
func (n Namespace) Key(id string) string {
	return string(n) + id
}

// AccountStore is the typed view of the cache used by the validator,
// processor and builder.
type AccountStore struct {
	cache Cache
	ttls  map[Namespace]time.Duration
}

// Option configures an AccountStore.
type Option func(*AccountStore)

// WithTTL overrides the lifetime of one namespace.
func WithTTL(ns Namespace, ttl time.Duration) Option {
	return func(s *AccountStore) {
		s.ttls[ns] = ttl
	}
}

// NewAccountStore wraps cache.
func NewAccountStore(cache Cache, opts ...Option) *AccountStore {
	s := &AccountStore{
		cache: cache,
		ttls: map[Namespace]time.Duration{
			NamespaceAccount:      types.DataTTL,
			NamespaceData:         types.DataTTL,
			NamespaceTransaction:  types.TxResultTTL,
			NamespaceVerification: types.VerificationTTL,
			NamespaceSettlement:   types.SettlementTTL,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime applied to a namespace.
func (s *AccountStore) TTL(ns Namespace) time.Duration {
	return s.ttls[ns]
}

// HasAccount reports whether a live data account exists for the hash.
func (s *AccountStore) HasAccount(dataHash string) bool {
	_, ok := s.cache.Get(NamespaceAccount.Key(dataHash))
	return ok
}

func (s *AccountStore) GetAccount(dataHash string) (*types.AccountRecord, error) {
	var rec types.AccountRecord
	ok, err := s.get(NamespaceAccount, dataHash, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) PutAccount(dataHash string, rec *types.AccountRecord) error {
	return s.put(NamespaceAccount, dataHash, rec)
}

func (s *AccountStore) DeleteAccount(dataHash string) {
	s.cache.Delete(NamespaceAccount.Key(dataHash))
}

func (s *AccountStore) GetContent(dataHash string) (*types.ContentRecord, error) {
	var rec types.ContentRecord
	ok, err := s.get(NamespaceData, dataHash, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

// PutContentIfAbsent stores content unless a live entry already holds the hash.
func (s *AccountStore) PutContentIfAbsent(dataHash string, rec *types.ContentRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode content record: %w", err)
	}
	return s.cache.SetIfAbsent(NamespaceData.Key(dataHash), raw, s.ttls[NamespaceData]), nil
}

func (s *AccountStore) GetTransactionResult(signature string) (*types.TransactionResult, error) {
	var rec types.TransactionResult
	ok, err := s.get(NamespaceTransaction, signature, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) PutTransactionResult(signature string, rec *types.TransactionResult) error {
	return s.put(NamespaceTransaction, signature, rec)
}

func (s *AccountStore) GetVerification(nonce string) (*types.VerificationRecord, error) {
	var rec types.VerificationRecord
	ok, err := s.get(NamespaceVerification, nonce, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) PutVerification(nonce string, rec *types.VerificationRecord) error {
	return s.put(NamespaceVerification, nonce, rec)
}

func (s *AccountStore) GetSettlement(id string) (*types.SettlementRecord, error) {
	var rec types.SettlementRecord
	ok, err := s.get(NamespaceSettlement, id, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *AccountStore) PutSettlement(id string, rec *types.SettlementRecord) error {
	return s.put(NamespaceSettlement, id, rec)
}

func (s *AccountStore) put(ns Namespace, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", ns, err)
	}
	s.cache.Set(ns.Key(id), raw, s.ttls[ns])
	return nil
}

// get decodes the live entry into v. It returns false with a nil error when
// the entry is absent or expired.
func (s *AccountStore) get(ns Namespace, id string, v any) (bool, error) {
	raw, ok := s.cache.Get(ns.Key(id))
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("corrupt %s record %s: %w", ns, id, err)
	}
	return true, nil
}
