package main

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/ethereum/go-ethereum/common"
)

// pairList maps tokens to their UniswapV2 TOKEN/USDC pricing pair. The env
// format is "TOKEN:PAIR,TOKEN:PAIR".
type pairList map[common.Address]common.Address

type config struct {
	RPCURL     string `env:"RPC_URL,required"`
	PrivateKey string `env:"PRIVATE_KEY,required"`

	Sub2Address           common.Address `env:"SUB2_ADDRESS,required"`
	QuerierAddress        common.Address `env:"QUERIER_ADDRESS,required"`
	BatchProcessorAddress common.Address `env:"BATCH_PROCESSOR_ADDRESS,required"`
	// FeeRecipient defaults to the keeper account itself.
	FeeRecipient common.Address `env:"FEE_RECIPIENT"`

	USDCAddress common.Address `env:"USDC_ADDRESS,required"`
	WETHAddress common.Address `env:"WETH_ADDRESS,required"`
	PricePairs  pairList       `env:"PRICE_PAIRS"`

	// Shard bounds: this instance owns subscription indices in
	// [StartIndex, EndIndex). END_INDEX unset means no upper bound.
	StartIndex uint64 `env:"START_INDEX" envDefault:"0"`
	EndIndex   uint64 `env:"END_INDEX" envDefault:"0"`

	TickInterval     time.Duration `env:"TICK_INTERVAL" envDefault:"2m"`
	HeadPollInterval time.Duration `env:"HEAD_POLL_INTERVAL" envDefault:"12s"`
	GainFactor       float64       `env:"GAIN_FACTOR" envDefault:"1.1"`
	GasPerRedemption uint64        `env:"GAS_PER_REDEMPTION" envDefault:"45000"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (config, error) {
	var c config
	err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(common.Address{}): parseAddress,
		reflect.TypeOf(pairList{}):       parsePairList,
	})
	if err != nil {
		return config{}, fmt.Errorf("config parsing failed: %w", err)
	}
	if c.EndIndex == 0 {
		c.EndIndex = math.MaxUint64
	}
	return c, nil
}

func parseAddress(v string) (interface{}, error) {
	if !common.IsHexAddress(v) {
		return nil, fmt.Errorf("invalid hex address %q", v)
	}
	return common.HexToAddress(v), nil
}

func parsePairList(v string) (interface{}, error) {
	pairs := pairList{}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid pair entry %q, want TOKEN:PAIR", entry)
		}
		if !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("invalid address in pair entry %q", entry)
		}
		pairs[common.HexToAddress(parts[0])] = common.HexToAddress(parts[1])
	}
	return pairs, nil
}
