package keeper

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// SubscriptionStage is the lifecycle stage of a tracked subscription.
type SubscriptionStage uint8

const (
	// StageWaiting means the cooldown has not elapsed yet.
	StageWaiting SubscriptionStage = iota
	// StageInAuction means the fee-decay window is open but the current tip
	// does not clear the profitability bar.
	StageInAuction
)

func (s SubscriptionStage) String() string {
	switch s {
	case StageWaiting:
		return "waiting"
	case StageInAuction:
		return "in_auction"
	default:
		return "unknown"
	}
}

// SubscriptionView is a read-only snapshot of one tracked subscription,
// exposed for observability.
type SubscriptionView struct {
	Index      uint64            `json:"index"`
	Stage      SubscriptionStage `json:"stage"`
	EligibleAt uint64            `json:"eligibleAt"`
	ExpiresAt  uint64            `json:"expiresAt"`
	FeeToken   common.Address    `json:"feeToken"`
}

// SubscriptionTracker holds every subscription index currently in a
// non-terminal stage for one shard. An index lives in subs whenever it is
// tracked, and in exactly one of waiting or inAuction.
type SubscriptionTracker struct {
	subs      map[uint64]IndexedSubscription
	waiting   map[uint64]uint64 // index -> eligibleAt (unix seconds)
	inAuction map[uint64]struct{}
}

func NewSubscriptionTracker() *SubscriptionTracker {
	return &SubscriptionTracker{
		subs:      make(map[uint64]IndexedSubscription),
		waiting:   make(map[uint64]uint64),
		inAuction: make(map[uint64]struct{}),
	}
}

// trackWaiting records a subscription whose cooldown has not elapsed.
// Any prior stage for the index is superseded.
func trackWaiting(sub IndexedSubscription, eligibleAt uint64, t *SubscriptionTracker) {
	t.subs[sub.Index] = sub
	delete(t.inAuction, sub.Index)
	t.waiting[sub.Index] = eligibleAt
}

// trackInAuction records a subscription inside its fee-decay window.
// Any prior stage for the index is superseded.
func trackInAuction(sub IndexedSubscription, t *SubscriptionTracker) {
	t.subs[sub.Index] = sub
	delete(t.waiting, sub.Index)
	t.inAuction[sub.Index] = struct{}{}
}

// untrack removes an index from every structure. Untracking an unknown index
// is a no-op, which keeps stale-event handling idempotent.
func untrack(index uint64, t *SubscriptionTracker) {
	delete(t.subs, index)
	delete(t.waiting, index)
	delete(t.inAuction, index)
}

func trackedSubscription(index uint64, t *SubscriptionTracker) (IndexedSubscription, bool) {
	sub, ok := t.subs[index]
	return sub, ok
}

func isTracked(index uint64, t *SubscriptionTracker) bool {
	_, ok := t.subs[index]
	return ok
}

// drainWaiting removes every waiting entry whose eligibleAt is at or before
// cutoff and returns the affected indices. The subscriptions stay in subs;
// the caller reclassifies them.
func drainWaiting(cutoff uint64, t *SubscriptionTracker) []uint64 {
	var drained []uint64
	for index, eligibleAt := range t.waiting {
		if eligibleAt <= cutoff {
			drained = append(drained, index)
		}
	}
	for _, index := range drained {
		delete(t.waiting, index)
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i] < drained[j] })
	return drained
}

// auctionIndices returns the indices currently inside the fee-decay window,
// in ascending order so downstream batches are deterministic.
func auctionIndices(t *SubscriptionTracker) []uint64 {
	indices := make([]uint64, 0, len(t.inAuction))
	for index := range t.inAuction {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

func viewTracker(t *SubscriptionTracker) []SubscriptionView {
	if len(t.subs) == 0 {
		return nil
	}

	views := make([]SubscriptionView, 0, len(t.subs))
	for index, sub := range t.subs {
		view := SubscriptionView{
			Index:      index,
			EligibleAt: sub.Subscription.EligibleAt(),
			ExpiresAt:  sub.Subscription.ExpiresAt(),
			FeeToken:   sub.Subscription.ProcessingFeeToken,
		}
		if _, ok := t.inAuction[index]; ok {
			view.Stage = StageInAuction
		} else {
			view.Stage = StageWaiting
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Index < views[j].Index })
	return views
}
