package order

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// AddressAllocator hands out fresh deposit addresses. An address is used
// by at most one open order per currency; the store's uniqueness check
// is the final arbiter.
type AddressAllocator interface {
	Allocate(ctx context.Context, currency string) (string, error)
}

// EVMAllocator generates deposit addresses for EVM chains by deriving a
// fresh keypair per order. Keys are not retained: the engine only
// observes inbound transfers, sweeping funds is handled out of band.
type EVMAllocator struct{}

// NewEVMAllocator creates an allocator for EVM-family currencies.
func NewEVMAllocator() *EVMAllocator {
	return &EVMAllocator{}
}

func (a *EVMAllocator) Allocate(ctx context.Context, currency string) (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate deposit key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Compile-time check.
var _ AddressAllocator = (*EVMAllocator)(nil)
