package watcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/coinsub/coinsub/internal/money"
)

// ERC-20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// EVMClientConfig configures an EVM chain client.
type EVMClientConfig struct {
	RPCURL string
	// TokenContract is the ERC-20 contract to watch. Empty means the
	// native coin, observed via block scanning instead of event logs.
	TokenContract string
	// TokenDecimals is the on-chain precision of the asset.
	TokenDecimals int
}

// EVMClient implements ChainClient against an EVM node over JSON-RPC.
type EVMClient struct {
	client   *ethclient.Client
	contract common.Address
	isToken  bool
	decimals int
}

// NewEVMClient connects to an EVM node.
func NewEVMClient(cfg EVMClientConfig) (*EVMClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect to RPC: %w", err)
	}
	return &EVMClient{
		client:   client,
		contract: common.HexToAddress(cfg.TokenContract),
		isToken:  cfg.TokenContract != "",
		decimals: cfg.TokenDecimals,
	}, nil
}

func (c *EVMClient) CurrentHeight(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EVMClient) DepositsInRange(ctx context.Context, addresses []string, from, to uint64) ([]Deposit, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	if c.isToken {
		return c.tokenDeposits(ctx, addresses, from, to)
	}
	return c.nativeDeposits(ctx, addresses, from, to)
}

// tokenDeposits filters ERC-20 Transfer logs with the watched addresses
// as recipients.
func (c *EVMClient) tokenDeposits(ctx context.Context, addresses []string, from, to uint64) ([]Deposit, error) {
	toTopics := make([]common.Hash, 0, len(addresses))
	for _, addr := range addresses {
		toTopics = append(toTopics, common.BytesToHash(common.HexToAddress(addr).Bytes()))
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			toTopics,
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %w", err)
	}

	var deposits []Deposit
	for _, vLog := range logs {
		if len(vLog.Topics) < 3 || vLog.Removed {
			continue
		}
		amount := new(big.Int).SetBytes(vLog.Data)
		deposits = append(deposits, Deposit{
			TxHash:      vLog.TxHash.Hex(),
			From:        strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex()),
			To:          strings.ToLower(common.HexToAddress(vLog.Topics[2].Hex()).Hex()),
			Amount:      formatUnits(amount, c.decimals),
			BlockNumber: vLog.BlockNumber,
		})
	}
	return deposits, nil
}

// nativeDeposits scans full blocks for value transfers to the watched
// addresses. Plain transfers only; internal calls need an indexer.
func (c *EVMClient) nativeDeposits(ctx context.Context, addresses []string, from, to uint64) ([]Deposit, error) {
	watched := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		watched[strings.ToLower(addr)] = true
	}

	var deposits []Deposit
	for height := from; height <= to; height++ {
		block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return nil, fmt.Errorf("fetch block %d: %w", height, err)
		}
		for i, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() == 0 {
				continue
			}
			toAddr := strings.ToLower(tx.To().Hex())
			if !watched[toAddr] {
				continue
			}
			sender, err := c.client.TransactionSender(ctx, tx, block.Hash(), uint(i))
			fromAddr := ""
			if err == nil {
				fromAddr = strings.ToLower(sender.Hex())
			}
			deposits = append(deposits, Deposit{
				TxHash:      tx.Hash().Hex(),
				From:        fromAddr,
				To:          toAddr,
				Amount:      formatUnits(tx.Value(), c.decimals),
				BlockNumber: height,
			})
		}
	}
	return deposits, nil
}

func (c *EVMClient) ConfirmationCount(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch receipt: %w", err)
	}
	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if height < mined {
		return 0, nil
	}
	return height - mined + 1, nil
}

func (c *EVMClient) Close() {
	c.client.Close()
}

// formatUnits converts a raw on-chain integer amount into the engine's
// fixed 8-digit decimal representation, truncating extra precision.
func formatUnits(raw *big.Int, decimals int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0.00000000"
	}
	units := new(big.Int).Set(raw)
	switch {
	case decimals > money.Decimals:
		divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-money.Decimals)), nil)
		units.Quo(units, divisor)
	case decimals < money.Decimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(money.Decimals-decimals)), nil)
		units.Mul(units, factor)
	}
	return money.Format(units)
}

// Compile-time check.
var _ ChainClient = (*EVMClient)(nil)
