// Package prices maintains the USD price and decimals caches used by the
// profitability engine. Prices come from on-chain UniswapV2 TOKEN/USDC pair
// reserves; decimals come from the tokens themselves and never change, so
// they are cached forever.
package prices

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"math/big"
	"sync"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/sourcegraph/conc/iter"

	keeper "github.com/victorbrevig/sub2-processor"
	"github.com/victorbrevig/sub2-processor/abi"
)

const (
	defaultRPCTimeout    = 10 * time.Second
	defaultMaxGoroutines = 8
)

type GetClientFunc func() (ethclients.ETHClient, error)

// PriceFetcherFunc resolves the current USD price of a token.
type PriceFetcherFunc func(ctx context.Context, token common.Address) (float64, error)

// DecimalsFetcherFunc resolves the decimals of an ERC20 token.
type DecimalsFetcherFunc func(ctx context.Context, token common.Address) (uint8, error)

func hashAddress(seed maphash.Seed, a common.Address) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.Write(a[:])
	return h.Sum64()
}

// PriceCache holds the last known USD price per token. Lookups are lock-free;
// a token with no known price reports ok=false and its subscriptions are
// simply skipped by the profitability pass until a fetch succeeds.
type PriceCache struct {
	prices        *xsync.MapOf[common.Address, float64]
	fetch         PriceFetcherFunc
	maxGoroutines int
	logger        keeper.Logger
}

func NewPriceCache(fetch PriceFetcherFunc, logger keeper.Logger) (*PriceCache, error) {
	if fetch == nil {
		return nil, errors.New("price fetcher function is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &PriceCache{
		prices:        xsync.NewTypedMapOf[common.Address, float64](hashAddress),
		fetch:         fetch,
		maxGoroutines: defaultMaxGoroutines,
		logger:        logger,
	}, nil
}

// PriceUSD returns the cached USD price for token, or ok=false when no price
// is known.
func (c *PriceCache) PriceUSD(token common.Address) (float64, bool) {
	return c.prices.Load(token)
}

// EnsureTokens fetches prices for any of the given tokens that are not yet
// cached. Already known tokens are left untouched. Individual fetch failures
// are logged and leave the token unpriced; the first failure is also returned
// so callers can surface it.
func (c *PriceCache) EnsureTokens(ctx context.Context, tokens []common.Address) error {
	var missing []common.Address
	seen := make(map[common.Address]struct{}, len(tokens))
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		if _, ok := c.prices.Load(token); !ok {
			missing = append(missing, token)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return c.fetchInto(ctx, missing)
}

// RefreshAll refetches the price of every known token. A token whose refresh
// fails keeps its previous price; acting on a slightly stale price beats
// acting on none.
func (c *PriceCache) RefreshAll(ctx context.Context) error {
	var tokens []common.Address
	c.prices.Range(func(token common.Address, _ float64) bool {
		tokens = append(tokens, token)
		return true
	})
	if len(tokens) == 0 {
		return nil
	}
	return c.fetchInto(ctx, tokens)
}

func (c *PriceCache) fetchInto(ctx context.Context, tokens []common.Address) error {
	var (
		mu       sync.Mutex
		firstErr error
	)
	iterator := iter.Iterator[common.Address]{MaxGoroutines: c.maxGoroutines}
	iterator.ForEach(tokens, func(token *common.Address) {
		price, err := c.fetch(ctx, *token)
		if err != nil {
			c.logger.Warn("failed to fetch token price", "token", token.Hex(), "err", err)
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("price fetch for %s: %w", token.Hex(), err)
			}
			mu.Unlock()
			return
		}
		c.prices.Store(*token, price)
	})
	return firstErr
}

// DecimalsCache holds ERC20 decimals per token. Decimals are immutable, so a
// successful fetch is cached for the lifetime of the process.
type DecimalsCache struct {
	decimals      *xsync.MapOf[common.Address, uint8]
	fetch         DecimalsFetcherFunc
	maxGoroutines int
	logger        keeper.Logger
}

func NewDecimalsCache(fetch DecimalsFetcherFunc, logger keeper.Logger) (*DecimalsCache, error) {
	if fetch == nil {
		return nil, errors.New("decimals fetcher function is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &DecimalsCache{
		decimals:      xsync.NewTypedMapOf[common.Address, uint8](hashAddress),
		fetch:         fetch,
		maxGoroutines: defaultMaxGoroutines,
		logger:        logger,
	}, nil
}

// Decimals returns the cached decimals for token, or ok=false when unknown.
func (c *DecimalsCache) Decimals(token common.Address) (uint8, bool) {
	return c.decimals.Load(token)
}

// EnsureTokens fetches decimals for any of the given tokens not yet cached.
func (c *DecimalsCache) EnsureTokens(ctx context.Context, tokens []common.Address) error {
	var missing []common.Address
	seen := make(map[common.Address]struct{}, len(tokens))
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		if _, ok := c.decimals.Load(token); !ok {
			missing = append(missing, token)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	iterator := iter.Iterator[common.Address]{MaxGoroutines: c.maxGoroutines}
	iterator.ForEach(missing, func(token *common.Address) {
		decimals, err := c.fetch(ctx, *token)
		if err != nil {
			c.logger.Warn("failed to fetch token decimals", "token", token.Hex(), "err", err)
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("decimals fetch for %s: %w", token.Hex(), err)
			}
			mu.Unlock()
			return
		}
		c.decimals.Store(*token, decimals)
	})
	return firstErr
}

// ERC20Decimals returns a DecimalsFetcherFunc that reads decimals() from the
// token contract.
func ERC20Decimals(getClient GetClientFunc) DecimalsFetcherFunc {
	return func(ctx context.Context, token common.Address) (uint8, error) {
		client, err := getClient()
		if err != nil {
			return 0, fmt.Errorf("failed to get eth client: %w", err)
		}

		callData, err := abi.ERC20ABI.Pack("decimals")
		if err != nil {
			return 0, fmt.Errorf("failed to pack decimals call: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
		defer cancel()

		ret, err := client.CallContract(callCtx, ethereum.CallMsg{To: &token, Data: callData}, nil)
		if err != nil {
			return 0, fmt.Errorf("eth_call for decimals failed: %w", err)
		}
		if len(ret) != 32 {
			return 0, fmt.Errorf("invalid response length for decimals: got %d bytes", len(ret))
		}

		decimals := new(big.Int).SetBytes(ret)
		if !decimals.IsUint64() || decimals.Uint64() > 255 {
			return 0, fmt.Errorf("decimals value %s out of range", decimals)
		}
		return uint8(decimals.Uint64()), nil
	}
}
