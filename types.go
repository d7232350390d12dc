package keeper

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Subscription is an immutable snapshot of a Sub2 subscription as returned by
// the querier contract. Snapshots are always replaced wholesale on re-query,
// never patched field by field.
type Subscription struct {
	Sender             common.Address
	Recipient          common.Address
	Amount             *big.Int
	Token              common.Address
	MaxProcessingFee   *big.Int
	ProcessingFeeToken common.Address
	LastPayment        uint64
	Sponsor            common.Address
	Cooldown           uint64
	AuctionDuration    uint64
	PaymentCounter     uint64
}

// Canceled reports whether the contract has marked this subscription canceled.
// The contract zeroes the sender slot on cancellation; this is terminal.
func (s Subscription) Canceled() bool {
	return s.Sender == (common.Address{})
}

// EligibleAt is the unix second at which the cooldown ends and the auction
// window opens.
func (s Subscription) EligibleAt() uint64 {
	return s.LastPayment + s.Cooldown
}

// ExpiresAt is the unix second at which the auction window closes.
func (s Subscription) ExpiresAt() uint64 {
	return s.LastPayment + s.Cooldown + s.AuctionDuration
}

// IndexedSubscription pairs a subscription snapshot with its stable on-chain
// index. The index is the identity; the snapshot is disposable.
type IndexedSubscription struct {
	Index        uint64
	Subscription Subscription
}

// GasPriceConfig is an EIP-1559 fee estimate. It is fetched fresh for every
// evaluation cycle and never cached.
type GasPriceConfig struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ProcessingReceipt is the per-subscription outcome reported by the batch
// processor contract.
type ProcessingReceipt struct {
	SubscriptionIndex  uint64
	ProcessingFee      *big.Int
	ProcessingFeeToken common.Address
}

// BatchProcessingReceipt is the outcome of one confirmed batch transaction.
// Receipts is populated only when Success is true, and its order follows the
// contract's reported order, which callers must not assume equals the
// requested index order or set.
type BatchProcessingReceipt struct {
	TxHash   common.Hash
	Success  bool
	GasUsed  uint64
	Receipts []ProcessingReceipt
}
