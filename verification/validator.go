package verification

import (
	"encoding/hex"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/instruction"
	"github.com/vitwit/sio/nonce"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
)

// Validated is a program instruction that passed validation.
type Validated struct {
	instruction.Raw
	Instruction instruction.Instruction
}

// Payer returns the first account the instruction references.
func (v Validated) Payer() solana.PublicKey {
	return v.Accounts[0].PublicKey
}

// InstructionValidator checks transactions against the program's rules. It
// reads the account store and nonce registry but never writes to them.
type InstructionValidator struct {
	programID solana.PublicKey
	store     *store.AccountStore
	nonces    *nonce.Registry
}

// NewInstructionValidator creates a validator for programID.
func NewInstructionValidator(programID solana.PublicKey, accounts *store.AccountStore, nonces *nonce.Registry) *InstructionValidator {
	return &InstructionValidator{
		programID: programID,
		store:     accounts,
		nonces:    nonces,
	}
}

// ProgramID returns the program this validator accepts instructions for.
func (v *InstructionValidator) ProgramID() solana.PublicKey {
	return v.programID
}

// scope tracks effects earlier instructions of the same transaction would
// have, so a transaction cannot store a hash twice or spend a nonce twice.
type scope struct {
	stored map[string]bool
	nonces map[string]bool
}

func newScope() *scope {
	return &scope{
		stored: make(map[string]bool),
		nonces: make(map[string]bool),
	}
}

// ValidateTransaction runs the transaction-level checks and then validates
// every instruction addressed to the program, in order.
func (v *InstructionValidator) ValidateTransaction(tx *solana.Transaction) ([]Validated, error) {
	if tx == nil {
		return nil, types.NewError(types.ErrInvalidTransaction, "transaction is nil")
	}
	if len(tx.Signatures) == 0 {
		return nil, types.NewError(types.ErrInvalidTransaction, "transaction has no signatures")
	}
	if len(tx.Message.Instructions) == 0 {
		return nil, types.NewError(types.ErrInvalidTransaction, "transaction has no instructions")
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, types.NewError(types.ErrInvalidTransaction, "transaction has no account keys")
	}

	raws, err := instruction.FromTransaction(tx, v.programID)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, types.NewError(types.ErrNoProtocolInstruction, "no instruction targets program %s", v.programID)
	}

	sc := newScope()
	out := make([]Validated, 0, len(raws))
	for _, raw := range raws {
		inst, err := v.validate(raw, sc)
		if err != nil {
			return nil, err
		}
		out = append(out, Validated{Raw: raw, Instruction: inst})
	}

	return out, nil
}

// ValidateInstruction validates a single instruction in isolation.
func (v *InstructionValidator) ValidateInstruction(raw instruction.Raw) (instruction.Instruction, error) {
	return v.validate(raw, newScope())
}

func (v *InstructionValidator) validate(raw instruction.Raw, sc *scope) (instruction.Instruction, error) {
	inst, err := instruction.Decode(raw.Data)
	if err != nil {
		return nil, withIndex(err, raw.Index)
	}

	switch in := inst.(type) {
	case instruction.StoreData:
		err = v.validateStoreData(raw, in, sc)
	case instruction.RetrieveData:
		err = v.validateRetrieveData(raw, in, sc)
	case instruction.VerifyPayment:
		err = v.validateVerifyPayment(raw, in, sc)
	case instruction.SettlePayment:
		err = v.validateSettlePayment(raw)
	default:
		err = types.NewError(types.ErrUnknownInstruction, "unhandled instruction %T", inst)
	}
	if err != nil {
		return nil, withIndex(err, raw.Index)
	}

	return inst, nil
}

func (v *InstructionValidator) validateStoreData(raw instruction.Raw, in instruction.StoreData, sc *scope) error {
	if err := requireAccounts(raw, instruction.StoreDataMinAccounts); err != nil {
		return err
	}
	if err := requireFlags(raw, 0, "payer", true, true); err != nil {
		return err
	}
	if err := requireFlags(raw, 1, "data account", true, true); err != nil {
		return err
	}

	system := raw.Accounts[2]
	if !system.PublicKey.Equals(solana.SystemProgramID) || system.IsSigner || system.IsWritable {
		return types.NewError(types.ErrInvalidAccountFlags, "account 2 must be the read-only system program")
	}

	hash := hex.EncodeToString(in.DataHash[:])
	if sc.stored[hash] || v.store.HasAccount(hash) {
		return types.NewError(types.ErrDuplicateData, "data %s already stored", hash)
	}
	sc.stored[hash] = true

	return nil
}

func (v *InstructionValidator) validateRetrieveData(raw instruction.Raw, in instruction.RetrieveData, sc *scope) error {
	if err := requireAccounts(raw, instruction.RetrieveDataMinAccounts); err != nil {
		return err
	}

	hash := hex.EncodeToString(in.DataHash[:])
	if !sc.stored[hash] && !v.store.HasAccount(hash) {
		return types.NewError(types.ErrNotFound, "data %s not found", hash)
	}

	return nil
}

func (v *InstructionValidator) validateVerifyPayment(raw instruction.Raw, in instruction.VerifyPayment, sc *scope) error {
	if err := requireAccounts(raw, instruction.VerifyPaymentMinAccounts); err != nil {
		return err
	}
	if err := requireFlags(raw, 0, "payer", true, true); err != nil {
		return err
	}
	if err := requireFlags(raw, 2, "payment account", true, true); err != nil {
		return err
	}

	if in.Amount == 0 {
		return types.NewError(types.ErrInvalidInstructionPayload, "payment amount must be greater than 0")
	}

	n := hex.EncodeToString(in.Nonce[:])
	if sc.nonces[n] || v.nonces.IsConsumed(n) {
		return types.NewError(types.ErrReplayedNonce, "nonce %s already used", n)
	}
	sc.nonces[n] = true

	return nil
}

func (v *InstructionValidator) validateSettlePayment(raw instruction.Raw) error {
	if err := requireAccounts(raw, instruction.SettlePaymentMinAccounts); err != nil {
		return err
	}
	return requireFlags(raw, 0, "payer", true, false)
}

func requireAccounts(raw instruction.Raw, want int) error {
	if len(raw.Accounts) < want {
		return types.NewError(types.ErrInsufficientAccounts, "got %d accounts, need at least %d", len(raw.Accounts), want)
	}
	return nil
}

func requireFlags(raw instruction.Raw, idx int, name string, signer, writable bool) error {
	acc := raw.Accounts[idx]
	if signer && !acc.IsSigner {
		return types.NewError(types.ErrInvalidAccountFlags, "%s must sign", name)
	}
	if writable && !acc.IsWritable {
		return types.NewError(types.ErrInvalidAccountFlags, "%s must be writable", name)
	}
	return nil
}

func withIndex(err error, index int) error {
	var e *types.SIOError
	if !errors.As(err, &e) {
		return err
	}
	return types.NewError(e.Code, "instruction %d: %s", index, e.Message)
}
