package prices

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/victorbrevig/sub2-processor/abi"
)

// PairOracle prices tokens from the reserves of their UniswapV2 TOKEN/USDC
// pair. The pair set is fixed at construction; USDC itself is pinned to 1.0.
type PairOracle struct {
	getClient GetClientFunc
	usdc      common.Address
	pairs     map[common.Address]common.Address
	decimals  *DecimalsCache

	// token0 per pair is immutable on-chain, fetched once.
	pairToken0 *xsync.MapOf[common.Address, common.Address]
}

func NewPairOracle(usdc common.Address, pairs map[common.Address]common.Address, decimals *DecimalsCache, getClient GetClientFunc) (*PairOracle, error) {
	if usdc == (common.Address{}) {
		return nil, errors.New("usdc address is required")
	}
	if decimals == nil {
		return nil, errors.New("decimals cache is required")
	}
	if getClient == nil {
		return nil, errors.New("get client function is required")
	}

	owned := make(map[common.Address]common.Address, len(pairs))
	for token, pair := range pairs {
		if pair == (common.Address{}) {
			return nil, fmt.Errorf("zero pair address configured for token %s", token.Hex())
		}
		owned[token] = pair
	}

	return &PairOracle{
		getClient:  getClient,
		usdc:       usdc,
		pairs:      owned,
		decimals:   decimals,
		pairToken0: xsync.NewTypedMapOf[common.Address, common.Address](hashAddress),
	}, nil
}

// PriceUSD returns the mid-price of token in USD from its configured pair's
// current reserves. It satisfies PriceFetcherFunc.
func (o *PairOracle) PriceUSD(ctx context.Context, token common.Address) (float64, error) {
	if token == o.usdc {
		return 1.0, nil
	}

	pair, ok := o.pairs[token]
	if !ok {
		return 0, fmt.Errorf("no pricing pair configured for token %s", token.Hex())
	}

	if err := o.decimals.EnsureTokens(ctx, []common.Address{token, o.usdc}); err != nil {
		return 0, err
	}
	tokenDecimals, ok := o.decimals.Decimals(token)
	if !ok {
		return 0, fmt.Errorf("unknown decimals for token %s", token.Hex())
	}
	usdcDecimals, ok := o.decimals.Decimals(o.usdc)
	if !ok {
		return 0, fmt.Errorf("unknown decimals for usdc %s", o.usdc.Hex())
	}

	client, err := o.getClient()
	if err != nil {
		return 0, fmt.Errorf("failed to get eth client: %w", err)
	}

	token0, err := o.token0(ctx, client, pair)
	if err != nil {
		return 0, err
	}

	reserve0, reserve1, err := o.reserves(ctx, client, pair)
	if err != nil {
		return 0, err
	}

	var tokenReserve, usdcReserve *big.Int
	switch token0 {
	case token:
		tokenReserve, usdcReserve = reserve0, reserve1
	case o.usdc:
		tokenReserve, usdcReserve = reserve1, reserve0
	default:
		return 0, fmt.Errorf("pair %s does not contain token %s", pair.Hex(), token.Hex())
	}
	if tokenReserve.Sign() == 0 || usdcReserve.Sign() == 0 {
		return 0, fmt.Errorf("pair %s has empty reserves", pair.Hex())
	}

	return humanUnits(usdcReserve, usdcDecimals) / humanUnits(tokenReserve, tokenDecimals), nil
}

func (o *PairOracle) token0(ctx context.Context, client ethclients.ETHClient, pair common.Address) (common.Address, error) {
	if cached, ok := o.pairToken0.Load(pair); ok {
		return cached, nil
	}

	callData, err := abi.UniswapV2PairABI.Pack("token0")
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack token0 call: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	ret, err := client.CallContract(callCtx, ethereum.CallMsg{To: &pair, Data: callData}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("eth_call for token0 failed: %w", err)
	}
	if len(ret) != 32 {
		return common.Address{}, fmt.Errorf("invalid response length for token0: got %d bytes", len(ret))
	}

	token0 := common.BytesToAddress(ret)
	o.pairToken0.Store(pair, token0)
	return token0, nil
}

func (o *PairOracle) reserves(ctx context.Context, client ethclients.ETHClient, pair common.Address) (*big.Int, *big.Int, error) {
	callData, err := abi.UniswapV2PairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pack getReserves call: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	ret, err := client.CallContract(callCtx, ethereum.CallMsg{To: &pair, Data: callData}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("eth_call for getReserves failed: %w", err)
	}

	out, err := abi.UniswapV2PairABI.Unpack("getReserves", ret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack getReserves response: %w", err)
	}
	reserve0, ok := out[0].(*big.Int)
	if !ok {
		return nil, nil, errors.New("unexpected type for reserve0")
	}
	reserve1, ok := out[1].(*big.Int)
	if !ok {
		return nil, nil, errors.New("unexpected type for reserve1")
	}
	return reserve0, reserve1, nil
}

// humanUnits converts a raw token amount to its human denomination.
func humanUnits(amount *big.Int, decimals uint8) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	return value
}
