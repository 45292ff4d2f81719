package types

import "time"

// ProtocolID is the protocol marker carried by every S-IO message.
const ProtocolID = "s-io"

// ProtocolVersion represents the version of the S-IO protocol
type ProtocolVersion int

const (
	ProtocolVersion1 ProtocolVersion = 1
)

// Network identifies the ledger a payment is denominated on.
type Network string

const (
	NetworkSolanaMainnet Network = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  Network = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

func (n Network) String() string {
	return string(n)
}

// HTTP headers used on the wire.
const (
	HeaderPayment    = "X-SIO-PAYMENT"
	HeaderSettlement = "X-SIO-SETTLEMENT"
)

// Defaults applied when a requirement or config omits them.
const (
	DefaultTokenMint      = "SioTkQxHyAs98ouRiyi1YDv3gLMSrX3eNBg61GH9xMd"
	DefaultTimeoutSeconds = 60
	DefaultTokenDecimals  = 6
)

// Cache lifetimes per record kind.
const (
	DataTTL         = 24 * time.Hour
	SettlementTTL   = 24 * time.Hour
	TxResultTTL     = time.Hour
	VerificationTTL = 5 * time.Minute
)

// Clock returns the current wall-clock time.
type Clock func() time.Time
