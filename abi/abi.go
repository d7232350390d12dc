// Package abi holds the parsed contract ABIs the keeper interacts with.
// Loading method and event identifiers from parsed ABIs is safer and more
// maintainable than hardcoded selector hashes scattered across packages.
package abi

import (
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

// sub2ABIJSON covers the subset of the Sub2 contract the keeper consumes:
// the three subscription-affecting events and the total-count view.
const sub2ABIJSON = `[
	{"type":"event","name":"SubscriptionCreated","inputs":[
		{"name":"subscriptionIndex","type":"uint256","indexed":true},
		{"name":"recipient","type":"address","indexed":true}]},
	{"type":"event","name":"SubscriptionCanceled","inputs":[
		{"name":"subscriptionIndex","type":"uint256","indexed":true},
		{"name":"recipient","type":"address","indexed":true}]},
	{"type":"event","name":"MaxProcessingFeeUpdated","inputs":[
		{"name":"subscriptionIndex","type":"uint256","indexed":false},
		{"name":"maxProcessingFee","type":"uint256","indexed":false},
		{"name":"processingFeeToken","type":"address","indexed":false}]},
	{"type":"function","name":"getNumberOfSubscriptions","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"uint256"}]}
]`

// querierABIJSON is the read-side helper contract that returns full
// subscription structs for a batch of indices in a single call.
const querierABIJSON = `[
	{"type":"function","name":"getSubscriptions","stateMutability":"view",
		"inputs":[{"name":"subscriptionIndices","type":"uint256[]"}],
		"outputs":[{"name":"subscriptions","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"recipient","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"token","type":"address"},
			{"name":"maxProcessingFee","type":"uint256"},
			{"name":"processingFeeToken","type":"address"},
			{"name":"lastPayment","type":"uint64"},
			{"name":"sponsor","type":"address"},
			{"name":"cooldown","type":"uint64"},
			{"name":"auctionDuration","type":"uint64"},
			{"name":"paymentCounter","type":"uint64"}]}]}
]`

// batchProcessorABIJSON is the write-side contract that redeems a batch of
// subscriptions atomically and reports the fee charged per index.
const batchProcessorABIJSON = `[
	{"type":"function","name":"processBatch","stateMutability":"nonpayable",
		"inputs":[
			{"name":"subscriptionIndices","type":"uint256[]"},
			{"name":"feeRecipient","type":"address"}],
		"outputs":[{"name":"receipts","type":"tuple[]","components":[
			{"name":"subscriptionIndex","type":"uint256"},
			{"name":"processingFee","type":"uint256"},
			{"name":"processingFeeToken","type":"address"}]}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"decimals","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"uint8"}]}
]`

// uniswapV2PairABIJSON is the minimal pair surface needed by the on-chain
// price oracle.
const uniswapV2PairABIJSON = `[
	{"type":"function","name":"getReserves","stateMutability":"view",
		"inputs":[],
		"outputs":[
			{"name":"reserve0","type":"uint112"},
			{"name":"reserve1","type":"uint112"},
			{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"function","name":"token0","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token1","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"address"}]}
]`

var (
	Sub2ABI           = mustParseABI(sub2ABIJSON)
	QuerierABI        = mustParseABI(querierABIJSON)
	BatchProcessorABI = mustParseABI(batchProcessorABIJSON)
	ERC20ABI          = mustParseABI(erc20ABIJSON)
	UniswapV2PairABI  = mustParseABI(uniswapV2PairABIJSON)
)

func mustParseABI(raw string) ethabi.ABI {
	parsed, err := ethabi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
