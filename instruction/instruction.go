// Package instruction defines the four S-IO program instructions and their
// binary layout:
//
//	StoreData      [0][32-byte data hash][metadata...]
//	RetrieveData   [1][32-byte data hash]
//	VerifyPayment  [2][u64 LE amount][32-byte nonce]
//	SettlePayment  [3]
package instruction

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/vitwit/sio/types"
)

// Kind is the one-byte discriminator leading every instruction.
type Kind uint8

const (
	KindStoreData Kind = iota
	KindRetrieveData
	KindVerifyPayment
	KindSettlePayment
)

func (k Kind) String() string {
	switch k {
	case KindStoreData:
		return "store_data"
	case KindRetrieveData:
		return "retrieve_data"
	case KindVerifyPayment:
		return "verify_payment"
	case KindSettlePayment:
		return "settle_payment"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Payload sizes in bytes, discriminator included.
const (
	HashSize  = 32
	NonceSize = 32

	StoreDataMinSize     = 1 + HashSize
	RetrieveDataSize     = 1 + HashSize
	VerifyPaymentMinSize = 1 + 8 + NonceSize
	SettlePaymentMinSize = 1
)

// Minimum number of accounts each kind must reference.
const (
	StoreDataMinAccounts     = 3
	RetrieveDataMinAccounts  = 2
	VerifyPaymentMinAccounts = 4
	SettlePaymentMinAccounts = 5
)

// Instruction is implemented only by the four kinds in this package.
type Instruction interface {
	Kind() Kind
	MarshalBinary() ([]byte, error)
	isInstruction()
}

// StoreData records a data hash with optional metadata.
type StoreData struct {
	DataHash [HashSize]byte
	Metadata []byte
}

// RetrieveData looks up a previously stored hash.
type RetrieveData struct {
	DataHash [HashSize]byte
}

// VerifyPayment consumes a nonce for a payment of Amount base units.
type VerifyPayment struct {
	Amount uint64
	Nonce  [NonceSize]byte
}

// SettlePayment settles the payment between its referenced accounts.
type SettlePayment struct{}

func (StoreData) Kind() Kind     { return KindStoreData }
func (RetrieveData) Kind() Kind  { return KindRetrieveData }
func (VerifyPayment) Kind() Kind { return KindVerifyPayment }
func (SettlePayment) Kind() Kind { return KindSettlePayment }

func (StoreData) isInstruction()     {}
func (RetrieveData) isInstruction()  {}
func (VerifyPayment) isInstruction() {}
func (SettlePayment) isInstruction() {}

func (i StoreData) MarshalBinary() ([]byte, error) {
	return encode(KindStoreData, func(enc *bin.Encoder) error {
		if err := enc.WriteBytes(i.DataHash[:], false); err != nil {
			return err
		}
		return enc.WriteBytes(i.Metadata, false)
	})
}

func (i RetrieveData) MarshalBinary() ([]byte, error) {
	return encode(KindRetrieveData, func(enc *bin.Encoder) error {
		return enc.WriteBytes(i.DataHash[:], false)
	})
}

func (i VerifyPayment) MarshalBinary() ([]byte, error) {
	return encode(KindVerifyPayment, func(enc *bin.Encoder) error {
		if err := enc.WriteUint64(i.Amount, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteBytes(i.Nonce[:], false)
	})
}

func (i SettlePayment) MarshalBinary() ([]byte, error) {
	return encode(KindSettlePayment, nil)
}

func encode(kind Kind, body func(enc *bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	if err := enc.WriteUint8(uint8(kind)); err != nil {
		return nil, fmt.Errorf("failed to write discriminator: %w", err)
	}
	if body != nil {
		if err := body(enc); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an instruction buffer. Unknown discriminators fail with
// ErrUnknownInstruction and wrong lengths with ErrInvalidInstructionPayload.
func Decode(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, types.NewError(types.ErrInvalidInstructionPayload, "empty instruction data")
	}

	dec := bin.NewBinDecoder(data)
	disc, err := dec.ReadUint8()
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInstructionPayload, "read discriminator: %v", err)
	}

	kind := Kind(disc)
	switch kind {
	case KindStoreData:
		if len(data) < StoreDataMinSize {
			return nil, sizeError(kind, len(data), "at least", StoreDataMinSize)
		}
		var out StoreData
		if err := readInto(dec, out.DataHash[:]); err != nil {
			return nil, err
		}
		if n := dec.Remaining(); n > 0 {
			meta, err := dec.ReadNBytes(n)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidInstructionPayload, "read metadata: %v", err)
			}
			out.Metadata = append([]byte(nil), meta...)
		}
		return out, nil

	case KindRetrieveData:
		if len(data) != RetrieveDataSize {
			return nil, sizeError(kind, len(data), "exactly", RetrieveDataSize)
		}
		var out RetrieveData
		if err := readInto(dec, out.DataHash[:]); err != nil {
			return nil, err
		}
		return out, nil

	case KindVerifyPayment:
		if len(data) < VerifyPaymentMinSize {
			return nil, sizeError(kind, len(data), "at least", VerifyPaymentMinSize)
		}
		amount, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidInstructionPayload, "read amount: %v", err)
		}
		out := VerifyPayment{Amount: amount}
		if err := readInto(dec, out.Nonce[:]); err != nil {
			return nil, err
		}
		return out, nil

	case KindSettlePayment:
		return SettlePayment{}, nil

	default:
		return nil, types.NewError(types.ErrUnknownInstruction, "unknown discriminator %d", disc)
	}
}

func readInto(dec *bin.Decoder, dst []byte) error {
	raw, err := dec.ReadNBytes(len(dst))
	if err != nil {
		return types.NewError(types.ErrInvalidInstructionPayload, "read %d bytes: %v", len(dst), err)
	}
	copy(dst, raw)
	return nil
}

func sizeError(kind Kind, got int, qualifier string, want int) error {
	return types.NewError(types.ErrInvalidInstructionPayload,
		"%s payload is %d bytes, want %s %d", kind, got, qualifier, want)
}
