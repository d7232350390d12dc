// Package querier implements the read side of the chain gateway: batched
// subscription snapshots, the global subscription count, and EIP-1559 fee
// estimation.
package querier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	keeper "github.com/victorbrevig/sub2-processor"
	"github.com/victorbrevig/sub2-processor/abi"
)

const (
	// defaultRPCTimeout defines the default timeout for individual RPC calls.
	// This prevents a single slow request from blocking a cycle indefinitely.
	defaultRPCTimeout = 10 * time.Second
)

type GetClientFunc func() (ethclients.ETHClient, error)

// Querier reads subscription state through the querier helper contract and
// the Sub2 contract itself.
type Querier struct {
	sub2        common.Address
	querierAddr common.Address
	getClient   GetClientFunc
}

func NewQuerier(sub2, querierAddr common.Address, getClient GetClientFunc) (*Querier, error) {
	if sub2 == (common.Address{}) {
		return nil, errors.New("sub2 contract address is required")
	}
	if querierAddr == (common.Address{}) {
		return nil, errors.New("querier contract address is required")
	}
	if getClient == nil {
		return nil, errors.New("get client function is required")
	}
	return &Querier{sub2: sub2, querierAddr: querierAddr, getClient: getClient}, nil
}

// GetSubscriptions fetches the current snapshot for every given index in one
// eth_call. The returned slice preserves index order.
func (q *Querier) GetSubscriptions(ctx context.Context, indices []uint64) ([]keeper.Subscription, error) {
	if len(indices) == 0 {
		return nil, nil
	}

	client, err := q.getClient()
	if err != nil {
		return nil, fmt.Errorf("querier: failed to get eth client: %w", err)
	}

	rawIndices := make([]*big.Int, len(indices))
	for i, index := range indices {
		rawIndices[i] = new(big.Int).SetUint64(index)
	}
	callData, err := abi.QuerierABI.Pack("getSubscriptions", rawIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getSubscriptions call: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	ret, err := client.CallContract(callCtx, ethereum.CallMsg{To: &q.querierAddr, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call for getSubscriptions failed: %w", err)
	}

	out, err := abi.QuerierABI.Unpack("getSubscriptions", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getSubscriptions response: %w", err)
	}
	subs := *ethabi.ConvertType(out[0], new([]keeper.Subscription)).(*[]keeper.Subscription)
	if len(subs) != len(indices) {
		return nil, fmt.Errorf("queried %d indices but contract returned %d subscriptions", len(indices), len(subs))
	}

	return subs, nil
}

// GetSubscriptionCount returns the total number of subscriptions the Sub2
// contract has ever created.
func (q *Querier) GetSubscriptionCount(ctx context.Context) (uint64, error) {
	client, err := q.getClient()
	if err != nil {
		return 0, fmt.Errorf("querier: failed to get eth client: %w", err)
	}

	callData, err := abi.Sub2ABI.Pack("getNumberOfSubscriptions")
	if err != nil {
		return 0, fmt.Errorf("failed to pack getNumberOfSubscriptions call: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	ret, err := client.CallContract(callCtx, ethereum.CallMsg{To: &q.sub2, Data: callData}, nil)
	if err != nil {
		return 0, fmt.Errorf("eth_call for getNumberOfSubscriptions failed: %w", err)
	}
	if len(ret) != 32 {
		return 0, fmt.Errorf("invalid response length for getNumberOfSubscriptions: got %d bytes", len(ret))
	}

	count := new(big.Int).SetBytes(ret)
	if !count.IsUint64() {
		return 0, fmt.Errorf("subscription count %s overflows uint64", count)
	}
	return count.Uint64(), nil
}

// EstimateGasPrices returns a fresh EIP-1559 fee estimate: the suggested tip
// plus twice the latest base fee, which absorbs base-fee growth across the
// blocks until inclusion.
func (q *Querier) EstimateGasPrices(ctx context.Context) (keeper.GasPriceConfig, error) {
	client, err := q.getClient()
	if err != nil {
		return keeper.GasPriceConfig{}, fmt.Errorf("querier: failed to get eth client: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	tip, err := client.SuggestGasTipCap(callCtx)
	if err != nil {
		return keeper.GasPriceConfig{}, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	head, err := client.HeaderByNumber(callCtx, nil)
	if err != nil {
		return keeper.GasPriceConfig{}, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	if head.BaseFee == nil {
		// Pre-1559 chain: fall back to the legacy gas price for both fields.
		gasPrice, err := client.SuggestGasPrice(callCtx)
		if err != nil {
			return keeper.GasPriceConfig{}, fmt.Errorf("failed to suggest legacy gas price: %w", err)
		}
		return keeper.GasPriceConfig{MaxFeePerGas: gasPrice, MaxPriorityFeePerGas: gasPrice}, nil
	}

	maxFee := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return keeper.GasPriceConfig{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}
