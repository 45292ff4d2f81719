package instruction

import (
	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/sio/types"
)

// ProgramInstruction binds an Instruction to its program and ordered
// accounts. It satisfies solana.Instruction so it can be compiled into a
// transaction.
type ProgramInstruction struct {
	program  solana.PublicKey
	inner    Instruction
	accounts solana.AccountMetaSlice
}

var _ solana.Instruction = (*ProgramInstruction)(nil)

func (p *ProgramInstruction) ProgramID() solana.PublicKey     { return p.program }
func (p *ProgramInstruction) Accounts() []*solana.AccountMeta { return p.accounts }
func (p *ProgramInstruction) Data() ([]byte, error)           { return p.inner.MarshalBinary() }
func (p *ProgramInstruction) Instruction() Instruction        { return p.inner }

// NewStoreData references payer, the data account and the system program.
func NewStoreData(program, payer, dataAccount solana.PublicKey, hash [HashSize]byte, metadata []byte) *ProgramInstruction {
	return &ProgramInstruction{
		program: program,
		inner:   StoreData{DataHash: hash, Metadata: metadata},
		accounts: solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(dataAccount).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		},
	}
}

// NewRetrieveData references the requesting payer and the data account.
func NewRetrieveData(program, payer, dataAccount solana.PublicKey, hash [HashSize]byte) *ProgramInstruction {
	return &ProgramInstruction{
		program: program,
		inner:   RetrieveData{DataHash: hash},
		accounts: solana.AccountMetaSlice{
			solana.Meta(payer).SIGNER(),
			solana.Meta(dataAccount),
		},
	}
}

// NewVerifyPayment references payer, recipient, the payment account and the
// system program.
func NewVerifyPayment(program, payer, recipient, paymentAccount solana.PublicKey, amount uint64, nonce [NonceSize]byte) *ProgramInstruction {
	return &ProgramInstruction{
		program: program,
		inner:   VerifyPayment{Amount: amount, Nonce: nonce},
		accounts: solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(recipient),
			solana.Meta(paymentAccount).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		},
	}
}

// NewSettlePayment references payer, recipient, the token program, the
// payment account and the system program.
func NewSettlePayment(program, payer, recipient, paymentAccount solana.PublicKey) *ProgramInstruction {
	return &ProgramInstruction{
		program: program,
		inner:   SettlePayment{},
		accounts: solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(recipient).WRITE(),
			solana.Meta(solana.TokenProgramID),
			solana.Meta(paymentAccount).WRITE(),
			solana.Meta(solana.SystemProgramID),
		},
	}
}

// Raw is a compiled instruction addressed to the program, with its account
// references resolved against the message header.
type Raw struct {
	Index    int
	Data     []byte
	Accounts []*solana.AccountMeta
}

// FromTransaction returns the instructions of tx that target program, in
// order. Instructions for other programs are skipped.
func FromTransaction(tx *solana.Transaction, program solana.PublicKey) ([]Raw, error) {
	var out []Raw

	for i, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidTransaction, "instruction %d: %v", i, err)
		}
		if !prog.Equals(program) {
			continue
		}

		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		for j, idx := range inst.Accounts {
			pub, err := tx.Message.Account(idx)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidTransaction, "instruction %d account %d: %v", i, j, err)
			}

			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidTransaction, "instruction %d account %d: %v", i, j, err)
			}

			metas[j] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}

		out = append(out, Raw{
			Index:    i,
			Data:     inst.Data,
			Accounts: metas,
		})
	}

	return out, nil
}
