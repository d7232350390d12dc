package keeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// --- Function Type Definitions for Dependencies ---

// These named types create a clear, maintainable contract for the system's dependencies.

type GetSubscriptionsFunc func(ctx context.Context, indices []uint64) ([]Subscription, error)
type GetSubscriptionCountFunc func(ctx context.Context) (uint64, error)
type EstimateGasPricesFunc func(ctx context.Context) (GasPriceConfig, error)
type ProcessBatchFunc func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error)
type ChangedIndicesFunc func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error)
type EnsureTokensFunc func(ctx context.Context, tokens []common.Address) error
type RefreshPricesFunc func(ctx context.Context) error
type PriceUSDFunc func(token common.Address) (float64, bool)
type DecimalsFunc func(token common.Address) (uint8, bool)
type ErrorHandlerFunc func(err error)
type NowFunc func() uint64

const (
	// DefaultGainFactor requires a 10% margin over the USD gas cost before a
	// redemption is considered worth submitting.
	DefaultGainFactor = 1.1
	// DefaultGasPerRedemption is the fixed gas budget assumed for a single
	// redemption inside a batch when pricing profitability.
	DefaultGasPerRedemption = 45_000
	// DefaultTickInterval is how often prices are refreshed and the tracked
	// set is re-evaluated against the clock.
	DefaultTickInterval = 2 * time.Minute
)

// Config holds all the dependencies and settings for the KeeperSystem.
// Using a configuration struct makes initialization cleaner and more extensible.
type Config struct {
	SystemName    string
	PrometheusReg prometheus.Registerer

	// NewHeadEventer delivers chain head numbers. The system derives the
	// closed block range [lastSeen+1, head] for change notification, so no
	// block is skipped between deliveries.
	NewHeadEventer chan uint64

	// Shard bounds: the system owns indices in [StartIndex, EndIndex).
	StartIndex uint64
	EndIndex   uint64

	// WETH is the token whose USD price converts the gas cost leg.
	WETH common.Address

	GainFactor       float64       // defaults to DefaultGainFactor
	GasPerRedemption uint64        // defaults to DefaultGasPerRedemption
	TickInterval     time.Duration // defaults to DefaultTickInterval

	GetSubscriptions     GetSubscriptionsFunc
	GetSubscriptionCount GetSubscriptionCountFunc
	EstimateGasPrices    EstimateGasPricesFunc
	ProcessBatch         ProcessBatchFunc
	ChangedIndices       ChangedIndicesFunc
	EnsureTokens         EnsureTokensFunc
	RefreshPrices        RefreshPricesFunc
	PriceUSD             PriceUSDFunc
	Decimals             DecimalsFunc

	ErrorHandler ErrorHandlerFunc
	Logger       Logger

	// Now overrides the wall clock, in unix seconds. Tests inject a fixed
	// clock; production leaves it nil.
	Now NowFunc
}

// validate checks that all essential fields in the Config are provided.
func (c *Config) validate() error {
	if c.SystemName == "" {
		return errors.New("system name is required")
	}
	if c.NewHeadEventer == nil {
		return errors.New("new head eventer channel is required")
	}
	if c.EndIndex <= c.StartIndex {
		return errors.New("shard end index must be greater than start index")
	}
	if c.WETH == (common.Address{}) {
		return errors.New("weth address is required for gas cost pricing")
	}
	if c.GetSubscriptions == nil {
		return errors.New("get subscriptions function is required")
	}
	if c.GetSubscriptionCount == nil {
		return errors.New("get subscription count function is required")
	}
	if c.EstimateGasPrices == nil {
		return errors.New("estimate gas prices function is required")
	}
	if c.ProcessBatch == nil {
		return errors.New("process batch function is required")
	}
	if c.ChangedIndices == nil {
		return errors.New("changed indices function is required")
	}
	if c.EnsureTokens == nil {
		return errors.New("ensure tokens function is required")
	}
	if c.RefreshPrices == nil {
		return errors.New("refresh prices function is required")
	}
	if c.PriceUSD == nil {
		return errors.New("price usd function is required")
	}
	if c.Decimals == nil {
		return errors.New("decimals function is required")
	}
	if c.ErrorHandler == nil {
		return errors.New("error handler function is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// classification is the outcome of classifying one subscription snapshot
// against the clock. Canceled and Expired are terminal: the index is dropped
// from tracking entirely.
type classification uint8

const (
	classCanceled classification = iota
	classExpired
	classInAuction
	classWaiting
)

// classifySubscription applies the lifecycle rules in order: the canceled
// sentinel wins unconditionally, then expiry, then the open auction window.
func classifySubscription(sub Subscription, now uint64) classification {
	switch {
	case sub.Canceled():
		return classCanceled
	case now >= sub.ExpiresAt():
		return classExpired
	case now > sub.EligibleAt():
		return classInAuction
	default:
		return classWaiting
	}
}

// KeeperSystem is the main orchestrator for one shard of subscription
// indices. It owns the lifecycle state of every tracked subscription, decides
// what to (re)classify on each trigger, and coalesces profitable indices into
// batch submissions. Both triggers (head events and the interval tick) run a
// full cycle under the same lock, so at most one classify-and-possibly-submit
// cycle is ever in flight.
type KeeperSystem struct {
	systemName       string
	newHeadEventer   chan uint64
	startIndex       uint64
	endIndex         uint64
	weth             common.Address
	gainFactor       float64
	gasPerRedemption uint64
	tickInterval     time.Duration

	getSubscriptions     GetSubscriptionsFunc
	getSubscriptionCount GetSubscriptionCountFunc
	estimateGasPrices    EstimateGasPricesFunc
	processBatch         ProcessBatchFunc
	changedIndices       ChangedIndicesFunc
	ensureTokens         EnsureTokensFunc
	refreshPrices        RefreshPricesFunc
	priceUSD             PriceUSDFunc
	decimals             DecimalsFunc

	errorHandler ErrorHandlerFunc
	now          NowFunc

	cachedView   atomic.Pointer[[]SubscriptionView]
	lastSeenHead atomic.Uint64
	initialized  atomic.Bool

	// mu is the exclusive cycle lock. It is held for the full duration of
	// every classification-and-possibly-submit cycle, on all exit paths.
	mu      sync.Mutex
	tracker *SubscriptionTracker

	metrics *Metrics
	logger  Logger
}

// NewKeeperSystem constructs and returns a new, fully initialized system.
// It starts all background goroutines, making it a self-contained, "live"
// service upon creation: the shard is populated asynchronously, then the head
// listener and the re-evaluation ticker drive it.
func NewKeeperSystem(ctx context.Context, cfg *Config) (*KeeperSystem, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid keeper system configuration: %w", err)
	}

	metrics := NewMetrics(cfg.PrometheusReg, cfg.SystemName)

	gainFactor := cfg.GainFactor
	if gainFactor == 0 {
		gainFactor = DefaultGainFactor
	}
	gasPerRedemption := cfg.GasPerRedemption
	if gasPerRedemption == 0 {
		gasPerRedemption = DefaultGasPerRedemption
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	system := &KeeperSystem{
		systemName:           cfg.SystemName,
		newHeadEventer:       cfg.NewHeadEventer,
		startIndex:           cfg.StartIndex,
		endIndex:             cfg.EndIndex,
		weth:                 cfg.WETH,
		gainFactor:           gainFactor,
		gasPerRedemption:     gasPerRedemption,
		tickInterval:         tickInterval,
		getSubscriptions:     cfg.GetSubscriptions,
		getSubscriptionCount: cfg.GetSubscriptionCount,
		estimateGasPrices:    cfg.EstimateGasPrices,
		processBatch:         cfg.ProcessBatch,
		changedIndices:       cfg.ChangedIndices,
		ensureTokens:         cfg.EnsureTokens,
		refreshPrices:        cfg.RefreshPrices,
		priceUSD:             cfg.PriceUSD,
		decimals:             cfg.Decimals,
		errorHandler: func(err error) {
			errorType := determineErrorType(err)
			cfg.Logger.Error("KeeperSystem internal error", "system", cfg.SystemName, "type", errorType, "error", err)
			metrics.ErrorsTotal.WithLabelValues(errorType).Inc()

			cfg.ErrorHandler(err)
		},
		now:     now,
		tracker: NewSubscriptionTracker(),
		metrics: metrics,
		logger:  cfg.Logger,
	}

	system.cachedView.Store(&[]SubscriptionView{})
	system.logger.Info("KeeperSystem started",
		"system", system.systemName,
		"startIndex", system.startIndex,
		"endIndex", system.endIndex,
	)
	go system.initializeShard(ctx)
	go system.listenHeadEventer(ctx)
	go system.startTicker(ctx)

	return system, nil
}

// View returns a copy of the latest tracked-subscription view. This operation is lock-free.
func (s *KeeperSystem) View() []SubscriptionView {
	viewPtr := s.cachedView.Load()
	if viewPtr == nil {
		return nil
	}
	view := *viewPtr
	viewCopy := make([]SubscriptionView, len(view))
	copy(viewCopy, view)
	return viewCopy
}

// LastProcessedHead returns the chain head of the last processed change-notification range.
func (s *KeeperSystem) LastProcessedHead() uint64 {
	return s.lastSeenHead.Load()
}

// Initialized reports whether the initial shard population has completed.
func (s *KeeperSystem) Initialized() bool {
	return s.initialized.Load()
}

// updateCachedView generates a fresh view from the tracker and atomically updates the pointer.
// This method MUST be called from within the cycle lock (s.mu.Lock).
func (s *KeeperSystem) updateCachedView() {
	newView := viewTracker(s.tracker)
	s.cachedView.Store(&newView)
	s.metrics.TrackedSubscriptions.WithLabelValues(StageWaiting.String()).Set(float64(len(s.tracker.waiting)))
	s.metrics.TrackedSubscriptions.WithLabelValues(StageInAuction.String()).Set(float64(len(s.tracker.inAuction)))
}

// initializeShard fetches and classifies every index in the shard once at startup.
func (s *KeeperSystem) initializeShard(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.initialized.Store(true)

	count, err := s.getSubscriptionCount(ctx)
	if err != nil {
		s.errorHandler(fmt.Errorf("shard init: failed to get subscription count: %w", err))
		return
	}

	end := min(s.endIndex, count)
	if end <= s.startIndex {
		s.logger.Info("No subscriptions in shard yet", "count", count)
		return
	}

	indices := make([]uint64, 0, end-s.startIndex)
	for i := s.startIndex; i < end; i++ {
		indices = append(indices, i)
	}

	subs, err := s.getSubscriptions(ctx, indices)
	if err != nil {
		s.errorHandler(fmt.Errorf("shard init: failed to query subscriptions: %w", err))
		return
	}
	indexed, err := indexSubscriptions(indices, subs)
	if err != nil {
		s.errorHandler(fmt.Errorf("shard init: %w", err))
		return
	}

	s.handleQueriedSubs(ctx, indexed)
	s.updateCachedView()
	s.logger.Info("Shard populated", "queried", len(indexed), "tracked", len(s.tracker.subs))
}

// listenHeadEventer is the event-driven trigger loop for the system.
func (s *KeeperSystem) listenHeadEventer(ctx context.Context) {
	for {
		select {
		case head := <-s.newHeadEventer:
			s.handleNewHead(ctx, head)
		case <-ctx.Done():
			s.logger.Info("KeeperSystem head listener stopping due to context cancellation.")
			return
		}
	}
}

// handleNewHead runs one change-notification cycle over the block range that
// has elapsed since the previous head delivery.
func (s *KeeperSystem) handleNewHead(ctx context.Context, head uint64) {
	last := s.lastSeenHead.Load()
	if last == 0 {
		// The first head only anchors the range; there is no gap to scan yet.
		s.lastSeenHead.Store(head)
		s.metrics.LastProcessedHead.WithLabelValues().Set(float64(head))
		return
	}
	if head <= last {
		return
	}

	timer := prometheus.NewTimer(s.metrics.ResyncDuration.WithLabelValues())
	defer timer.ObserveDuration()

	indices, err := s.changedIndices(ctx, last+1, head)

	// Advance past the range regardless of outcome. A poisoned range must not
	// wedge the listener; the affected indices are re-fetched from fresh chain
	// state on the next event that touches them.
	s.lastSeenHead.Store(head)
	s.metrics.LastProcessedHead.WithLabelValues().Set(float64(head))

	if err != nil {
		s.errorHandler(&ResyncError{
			SystemError: SystemError{Block: head, Err: err},
			FromBlock:   last + 1,
			ToBlock:     head,
		})
		return
	}
	if len(indices) == 0 {
		return
	}

	s.logger.Debug("Subscription events found", "fromBlock", last+1, "toBlock", head, "indices", len(indices))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncIndices(ctx, indices)
	s.updateCachedView()
}

// startTicker drives the periodic price refresh and time-based re-evaluation.
func (s *KeeperSystem) startTicker(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-ctx.Done():
			s.logger.Info("KeeperSystem ticker stopping due to context cancellation.")
			return
		}
	}
}

// runTick performs a single timed re-evaluation cycle: refresh prices, move
// entries whose cooldown elapsed into the auction stage, drop closed
// auctions, and re-price every open auction against fresh gas estimates.
func (s *KeeperSystem) runTick(ctx context.Context) {
	timer := prometheus.NewTimer(s.metrics.TickDuration.WithLabelValues())
	defer timer.ObserveDuration()

	// Stale prices degrade to skipped submissions, never to an aborted cycle.
	if err := s.refreshPrices(ctx); err != nil {
		s.errorHandler(fmt.Errorf("tick: failed to refresh prices: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateCachedView()

	now := s.now()

	// (a) Entries past their cooldown re-enter classification. They are
	// re-evaluated as auction candidates below, not assumed profitable.
	for _, index := range drainWaiting(now, s.tracker) {
		sub, ok := trackedSubscription(index, s.tracker)
		if !ok {
			continue
		}
		switch classifySubscription(sub.Subscription, now) {
		case classCanceled, classExpired:
			untrack(index, s.tracker)
		case classInAuction:
			trackInAuction(sub, s.tracker)
		case classWaiting:
			// Not actually eligible yet (clock skew); re-arm.
			trackWaiting(sub, sub.Subscription.EligibleAt(), s.tracker)
		}
	}

	// (b) Auctions whose window closed without being caught above are gone
	// for good; drop them entirely.
	for _, index := range auctionIndices(s.tracker) {
		sub, ok := trackedSubscription(index, s.tracker)
		if !ok || now >= sub.Subscription.ExpiresAt() {
			untrack(index, s.tracker)
		}
	}

	if len(s.tracker.inAuction) == 0 {
		return
	}

	// (c) Re-price every surviving auction entry against fresh gas estimates.
	gasConfig, err := s.estimateGasPrices(ctx)
	if err != nil {
		s.errorHandler(fmt.Errorf("tick: failed to estimate gas prices: %w", err))
		return
	}
	costUSD, ok := s.redemptionCostUSD(gasConfig)
	if !ok {
		s.logger.Warn("WETH price unavailable, skipping profitability pass")
		return
	}

	var toSubmit []uint64
	for _, index := range auctionIndices(s.tracker) {
		sub, ok := trackedSubscription(index, s.tracker)
		if !ok {
			continue
		}
		if s.isProfitable(sub.Subscription, now, costUSD) {
			toSubmit = append(toSubmit, index)
		}
	}

	if len(toSubmit) > 0 {
		s.submitBatch(ctx, toSubmit)
	}
}

// resyncIndices re-fetches current on-chain state for externally-reported
// indices, clears any prior tracking for them, and reclassifies. Indices
// outside the shard or beyond the current subscription count are ignored.
// This method MUST be called from within the cycle lock.
func (s *KeeperSystem) resyncIndices(ctx context.Context, indices []uint64) {
	if len(indices) == 0 {
		return
	}

	count, err := s.getSubscriptionCount(ctx)
	if err != nil {
		s.errorHandler(fmt.Errorf("resync: failed to get subscription count: %w", err))
		return
	}

	inShard := make([]uint64, 0, len(indices))
	for _, index := range indices {
		if index >= s.startIndex && index < s.endIndex && index < count {
			inShard = append(inShard, index)
		}
	}
	if len(inShard) == 0 {
		return
	}

	subs, err := s.getSubscriptions(ctx, inShard)
	if err != nil {
		s.errorHandler(fmt.Errorf("resync: failed to query subscriptions: %w", err))
		return
	}
	indexed, err := indexSubscriptions(inShard, subs)
	if err != nil {
		s.errorHandler(fmt.Errorf("resync: %w", err))
		return
	}

	for _, index := range inShard {
		untrack(index, s.tracker)
	}
	s.handleQueriedSubs(ctx, indexed)
}

// handleQueriedSubs classifies a batch of freshly-fetched subscriptions and
// submits any that are already profitable. Price and decimals entries for
// every distinct fee token in the batch are bootstrapped first, once per
// unknown token. This method MUST be called from within the cycle lock.
func (s *KeeperSystem) handleQueriedSubs(ctx context.Context, subs []IndexedSubscription) {
	if len(subs) == 0 {
		return
	}

	now := s.now()

	tokenSet := make(map[common.Address]struct{})
	for _, indexed := range subs {
		class := classifySubscription(indexed.Subscription, now)
		if class == classCanceled || class == classExpired {
			continue
		}
		tokenSet[indexed.Subscription.ProcessingFeeToken] = struct{}{}
	}
	if len(tokenSet) > 0 {
		tokens := make([]common.Address, 0, len(tokenSet))
		for token := range tokenSet {
			tokens = append(tokens, token)
		}
		// A failed bootstrap degrades to unknown prices, which skip below.
		if err := s.ensureTokens(ctx, tokens); err != nil {
			s.errorHandler(fmt.Errorf("token bootstrap: %w", err))
		}
	}

	costUSD, haveCost := 0.0, false
	gasConfig, err := s.estimateGasPrices(ctx)
	if err != nil {
		s.errorHandler(fmt.Errorf("classification: failed to estimate gas prices: %w", err))
	} else {
		costUSD, haveCost = s.redemptionCostUSD(gasConfig)
	}

	var toSubmit []uint64
	for _, indexed := range subs {
		switch classifySubscription(indexed.Subscription, now) {
		case classCanceled, classExpired:
			untrack(indexed.Index, s.tracker)
		case classInAuction:
			trackInAuction(indexed, s.tracker)
			if haveCost && s.isProfitable(indexed.Subscription, now, costUSD) {
				toSubmit = append(toSubmit, indexed.Index)
			}
		case classWaiting:
			trackWaiting(indexed, indexed.Subscription.EligibleAt(), s.tracker)
		}
	}

	if len(toSubmit) > 0 {
		s.submitBatch(ctx, toSubmit)
	}
}

// submitBatch runs one simulate-submit-confirm round trip. Tracking state is
// mutated only after a confirmed successful batch, and only for the indices
// the receipt actually reports. This method MUST be called from within the
// cycle lock.
func (s *KeeperSystem) submitBatch(ctx context.Context, indices []uint64) {
	timer := prometheus.NewTimer(s.metrics.BatchSubmitDur.WithLabelValues())
	defer timer.ObserveDuration()

	s.logger.Info("Submitting batch", "count", len(indices))

	receipt, err := s.processBatch(ctx, indices)
	if err != nil {
		s.metrics.BatchesSubmitted.WithLabelValues("error").Inc()
		s.errorHandler(&BatchError{Indices: indices, Err: err})
		return
	}
	if !receipt.Success {
		s.metrics.BatchesSubmitted.WithLabelValues("reverted").Inc()
		s.logger.Warn("Batch transaction reverted", "tx", receipt.TxHash.Hex(), "count", len(indices))
		return
	}

	s.metrics.BatchesSubmitted.WithLabelValues("success").Inc()
	s.metrics.SubscriptionsProcessed.WithLabelValues().Add(float64(len(receipt.Receipts)))

	// The confirmed set is taken from the receipt, not the request: a partial
	// batch must drop exactly what the contract reports as processed.
	confirmed := make([]uint64, 0, len(receipt.Receipts))
	for _, processing := range receipt.Receipts {
		confirmed = append(confirmed, processing.SubscriptionIndex)
	}

	s.logger.Info("Batch confirmed",
		"tx", receipt.TxHash.Hex(),
		"requested", len(indices),
		"processed", len(confirmed),
		"gasUsed", receipt.GasUsed,
	)

	s.resyncIndices(ctx, confirmed)
}

// isProfitable reports whether redeeming the subscription now yields more
// than the USD gas cost scaled by the configured gain factor. Unknown token
// prices or decimals degrade to "not yet profitable".
func (s *KeeperSystem) isProfitable(sub Subscription, now uint64, costUSD float64) bool {
	tipTokenPrice, ok := s.priceUSD(sub.ProcessingFeeToken)
	if !ok {
		return false
	}
	tipTokenDecimals, ok := s.decimals(sub.ProcessingFeeToken)
	if !ok {
		return false
	}

	tipAmount := auctionTipAmount(sub, now)
	gainUSD := tipTokenPrice * humanUnits(tipAmount, tipTokenDecimals)

	return gainUSD > costUSD*s.gainFactor
}

// redemptionCostUSD prices the fixed per-redemption gas budget at the current
// max fee, converted through the WETH/USD price.
func (s *KeeperSystem) redemptionCostUSD(gasConfig GasPriceConfig) (float64, bool) {
	wethPrice, ok := s.priceUSD(s.weth)
	if !ok {
		return 0, false
	}
	costWei := new(big.Int).Mul(gasConfig.MaxFeePerGas, new(big.Int).SetUint64(s.gasPerRedemption))
	return wethPrice * humanUnits(costWei, 18), true
}

// auctionTipAmount computes the linearly decaying incentive: zero at the
// moment the cooldown ends, the full maxProcessingFee when the window closes.
// Callers must have established the subscription is inside its auction window.
func auctionTipAmount(sub Subscription, now uint64) *big.Int {
	if sub.AuctionDuration == 0 {
		return new(big.Int)
	}
	elapsed := now - sub.LastPayment - sub.Cooldown
	tip := new(big.Int).Mul(sub.MaxProcessingFee, new(big.Int).SetUint64(elapsed))
	return tip.Div(tip, new(big.Int).SetUint64(sub.AuctionDuration))
}

// humanUnits converts a raw token amount to its human-readable float value.
func humanUnits(amount *big.Int, decimals uint8) float64 {
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		big.NewFloat(math.Pow10(int(decimals))),
	).Float64()
	return value
}

// indexSubscriptions zips a slice of indices with the subscriptions returned
// for them, in order. A length mismatch means the gateway broke its contract.
func indexSubscriptions(indices []uint64, subs []Subscription) ([]IndexedSubscription, error) {
	if len(indices) != len(subs) {
		return nil, fmt.Errorf("queried %d indices but got %d subscriptions", len(indices), len(subs))
	}
	indexed := make([]IndexedSubscription, len(indices))
	for i, index := range indices {
		indexed[i] = IndexedSubscription{Index: index, Subscription: subs[i]}
	}
	return indexed, nil
}
