package watcher

import "context"

// Deposit is a raw on-chain transfer to a watched deposit address.
type Deposit struct {
	TxHash      string
	From        string
	To          string
	Amount      string // decimal string, 8 fractional digits
	BlockNumber uint64
}

// ChainClient abstracts the node/indexer queries the watcher needs.
// Implementations must be safe for sequential use from a single loop.
type ChainClient interface {
	// CurrentHeight returns the chain tip.
	CurrentHeight(ctx context.Context) (uint64, error)
	// DepositsInRange returns transfers to any of the given addresses in
	// the block range [from, to], inclusive.
	DepositsInRange(ctx context.Context, addresses []string, from, to uint64) ([]Deposit, error)
	// ConfirmationCount returns the confirmation depth of a transaction,
	// or 0 if it is not yet mined.
	ConfirmationCount(ctx context.Context, txHash string) (uint64, error)
	// Close releases the underlying connection.
	Close()
}
