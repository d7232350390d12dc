package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Infrastructure ---

var (
	testWETH     = common.HexToAddress("0x10")
	testFeeToken = common.HexToAddress("0x20")
	testSender   = common.HexToAddress("0x99")
)

// mockChain simulates the on-chain subscription set served by the querier.
type mockChain struct {
	mu    sync.Mutex
	subs  map[uint64]Subscription
	count uint64

	countCalls atomic.Int64
	queryCalls atomic.Int64
}

func newMockChain() *mockChain {
	return &mockChain{subs: make(map[uint64]Subscription)}
}

func (c *mockChain) Set(index uint64, sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[index] = sub
	if index+1 > c.count {
		c.count = index + 1
	}
}

// Redeem simulates a confirmed batch: each index restarts its cooldown.
func (c *mockChain) Redeem(indices []uint64, at uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, index := range indices {
		sub, ok := c.subs[index]
		if !ok {
			continue
		}
		sub.LastPayment = at
		sub.PaymentCounter++
		c.subs[index] = sub
	}
}

func (c *mockChain) Cancel(index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[index]
	sub.Sender = common.Address{}
	c.subs[index] = sub
}

func (c *mockChain) GetSubscriptions(_ context.Context, indices []uint64) ([]Subscription, error) {
	c.queryCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]Subscription, len(indices))
	for i, index := range indices {
		sub, ok := c.subs[index]
		if !ok {
			return nil, fmt.Errorf("mock: unknown subscription index %d", index)
		}
		subs[i] = sub
	}
	return subs, nil
}

func (c *mockChain) GetSubscriptionCount(_ context.Context) (uint64, error) {
	c.countCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, nil
}

// --- Test Setup Helper ---

type systemTestConfig struct {
	startIndex uint64
	endIndex   uint64
	startClock uint64

	tickInterval time.Duration

	// seedChain populates the mock chain before the system starts, so the
	// initial shard population sees it.
	seedChain func(chain *mockChain)

	changedIndices    ChangedIndicesFunc
	estimateGasPrices EstimateGasPricesFunc
	priceUSD          PriceUSDFunc
	decimals          DecimalsFunc

	// processBatch, when set, replaces the default confirming submitter. It
	// receives the testSystem so mocks can record and mutate shared state.
	processBatch func(ts *testSystem) ProcessBatchFunc
}

type testSystem struct {
	System *KeeperSystem
	Chain  *mockChain
	Heads  chan uint64
	Clock  *atomic.Uint64
	cancel context.CancelFunc

	errorMu        sync.Mutex
	capturedErrors []error

	batchMu sync.Mutex
	batches [][]uint64
}

func (ts *testSystem) AddError(err error) {
	ts.errorMu.Lock()
	defer ts.errorMu.Unlock()
	ts.capturedErrors = append(ts.capturedErrors, err)
}

func (ts *testSystem) GetErrors() []error {
	ts.errorMu.Lock()
	defer ts.errorMu.Unlock()
	errsCopy := make([]error, len(ts.capturedErrors))
	copy(errsCopy, ts.capturedErrors)
	return errsCopy
}

func (ts *testSystem) AddBatch(indices []uint64) {
	ts.batchMu.Lock()
	defer ts.batchMu.Unlock()
	batch := make([]uint64, len(indices))
	copy(batch, indices)
	ts.batches = append(ts.batches, batch)
}

func (ts *testSystem) GetBatches() [][]uint64 {
	ts.batchMu.Lock()
	defer ts.batchMu.Unlock()
	batchesCopy := make([][]uint64, len(ts.batches))
	copy(batchesCopy, ts.batches)
	return batchesCopy
}

func testSetupSystem(t *testing.T, cfg *systemTestConfig) *testSystem {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ts := &testSystem{
		Chain:  newMockChain(),
		Heads:  make(chan uint64, 10),
		Clock:  &atomic.Uint64{},
		cancel: cancel,
	}

	if cfg == nil {
		cfg = &systemTestConfig{}
	}
	if cfg.endIndex == 0 {
		cfg.endIndex = 100
	}
	if cfg.startClock == 0 {
		cfg.startClock = 1000
	}
	ts.Clock.Store(cfg.startClock)

	if cfg.seedChain != nil {
		cfg.seedChain(ts.Chain)
	}

	tickInterval := cfg.tickInterval
	if tickInterval == 0 {
		// Tests that exercise the tick path set a short interval explicitly.
		tickInterval = time.Hour
	}

	changedIndices := cfg.changedIndices
	if changedIndices == nil {
		changedIndices = func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) { return nil, nil }
	}
	estimateGasPrices := cfg.estimateGasPrices
	if estimateGasPrices == nil {
		estimateGasPrices = func(ctx context.Context) (GasPriceConfig, error) {
			// 1 gwei max fee: one redemption costs 45000e9 wei = $0.09 at
			// the test WETH price of $2000.
			return GasPriceConfig{
				MaxFeePerGas:         big.NewInt(1_000_000_000),
				MaxPriorityFeePerGas: big.NewInt(100_000_000),
			}, nil
		}
	}
	priceUSD := cfg.priceUSD
	if priceUSD == nil {
		priceUSD = func(token common.Address) (float64, bool) {
			if token == testWETH {
				return 2000.0, true
			}
			return 1.0, true
		}
	}
	decimals := cfg.decimals
	if decimals == nil {
		decimals = func(token common.Address) (uint8, bool) { return 18, true }
	}

	var processBatch ProcessBatchFunc
	if cfg.processBatch != nil {
		processBatch = cfg.processBatch(ts)
	} else {
		processBatch = func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error) {
			ts.AddBatch(indices)
			ts.Chain.Redeem(indices, ts.Clock.Load())
			receipts := make([]ProcessingReceipt, len(indices))
			for i, index := range indices {
				receipts[i] = ProcessingReceipt{
					SubscriptionIndex:  index,
					ProcessingFee:      big.NewInt(1),
					ProcessingFeeToken: testFeeToken,
				}
			}
			return BatchProcessingReceipt{
				TxHash:   common.HexToHash("0xbeef"),
				Success:  true,
				GasUsed:  21000,
				Receipts: receipts,
			}, nil
		}
	}

	system, err := NewKeeperSystem(ctx, &Config{
		SystemName:           "test_system",
		PrometheusReg:        prometheus.NewRegistry(),
		NewHeadEventer:       ts.Heads,
		StartIndex:           cfg.startIndex,
		EndIndex:             cfg.endIndex,
		WETH:                 testWETH,
		TickInterval:         tickInterval,
		GetSubscriptions:     ts.Chain.GetSubscriptions,
		GetSubscriptionCount: ts.Chain.GetSubscriptionCount,
		EstimateGasPrices:    estimateGasPrices,
		ProcessBatch:         processBatch,
		ChangedIndices:       changedIndices,
		EnsureTokens:         func(ctx context.Context, tokens []common.Address) error { return nil },
		RefreshPrices:        func(ctx context.Context) error { return nil },
		PriceUSD:             priceUSD,
		Decimals:             decimals,
		ErrorHandler:         ts.AddError,
		Logger:               testLogger{},
		Now:                  ts.Clock.Load,
	})
	require.NoError(t, err)

	ts.System = system
	return ts
}

// testLogger discards all output.
type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// --- Test Helper Functions ---

// testSub builds a live subscription. Its cooldown ends at
// lastPayment+cooldown and its auction closes auctionDuration later.
func testSub(lastPayment, cooldown, auctionDuration uint64, maxFee *big.Int) Subscription {
	return Subscription{
		Sender:             testSender,
		Recipient:          common.HexToAddress("0x98"),
		Amount:             big.NewInt(100),
		Token:              testFeeToken,
		MaxProcessingFee:   maxFee,
		ProcessingFeeToken: testFeeToken,
		LastPayment:        lastPayment,
		Cooldown:           cooldown,
		AuctionDuration:    auctionDuration,
	}
}

func viewStage(views []SubscriptionView, index uint64) (SubscriptionStage, bool) {
	for _, view := range views {
		if view.Index == index {
			return view.Stage, true
		}
	}
	return 0, false
}

// bigTokens is n whole tokens at 18 decimals.
func bigTokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// --- Test Suite ---

func TestKeeperSystem(t *testing.T) {
	t.Run("InitialClassification", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				// waiting: cooldown ends at 1100
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
				// in auction (window 1000..1100) with a tip too small to clear the bar
				chain.Set(1, testSub(900, 100, 100, big.NewInt(1)))
				// canceled
				canceled := testSub(1000, 100, 50, bigTokens(1))
				canceled.Sender = common.Address{}
				chain.Set(2, canceled)
				// expired: window closed at 1000
				chain.Set(3, testSub(800, 100, 100, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(ts.System.View()) == 2 }, time.Second, 5*time.Millisecond)

		views := ts.System.View()
		stage, ok := viewStage(views, 0)
		require.True(t, ok)
		assert.Equal(t, StageWaiting, stage)
		stage, ok = viewStage(views, 1)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage)
		_, ok = viewStage(views, 2)
		assert.False(t, ok, "canceled subscription must not be tracked")
		_, ok = viewStage(views, 3)
		assert.False(t, ok, "expired subscription must not be tracked")
		assert.Empty(t, ts.GetBatches())
		assert.Empty(t, ts.GetErrors())
	})

	t.Run("ExpiryAtExactBoundaryIsDropped", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				// Window is 1000..1050; at exactly 1050 the auction is over.
				chain.Set(0, testSub(900, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		assert.Empty(t, ts.System.View())
	})

	t.Run("CanceledWinsOverOtherStages", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				// Would be mid-auction, but the canceled sentinel takes precedence.
				sub := testSub(900, 100, 100, bigTokens(1))
				sub.Sender = common.Address{}
				chain.Set(0, sub)
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		assert.Empty(t, ts.System.View())
		assert.Empty(t, ts.GetBatches())
	})

	t.Run("ProfitableAuctionSubmittedOnClassification", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1120,
			seedChain: func(chain *mockChain) {
				// Window 1100..1150; at 1120 the tip is 0.4 tokens = $0.40,
				// well over the $0.099 bar.
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.GetBatches()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []uint64{0}, ts.GetBatches()[0])

		// The confirmed batch restarted the cooldown on chain; the resync must
		// land the index back in waiting.
		require.Eventually(t, func() bool {
			stage, ok := viewStage(ts.System.View(), 0)
			return ok && stage == StageWaiting
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, ts.GetErrors())
	})

	t.Run("UnprofitableTipIsNotSubmitted", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1101,
			seedChain: func(chain *mockChain) {
				// Tip at 1101 is 1/50 of a token = $0.02, under the $0.099 bar.
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		stage, ok := viewStage(ts.System.View(), 0)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage)
		assert.Empty(t, ts.GetBatches())
	})

	t.Run("UnknownFeeTokenPriceSkipsSubmission", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1120,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
			priceUSD: func(token common.Address) (float64, bool) {
				if token == testWETH {
					return 2000.0, true
				}
				return 0, false
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		stage, ok := viewStage(ts.System.View(), 0)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage, "unpriced fee token must degrade to not-yet-profitable")
		assert.Empty(t, ts.GetBatches())
	})

	t.Run("TickPromotesWaitingAndSubmits", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock:   1050,
			tickInterval: 10 * time.Millisecond,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)
		stage, ok := viewStage(ts.System.View(), 0)
		require.True(t, ok)
		require.Equal(t, StageWaiting, stage)

		// Advance into the auction window; the next tick must promote and,
		// since the tip now clears the bar, submit.
		ts.Clock.Store(1120)
		require.Eventually(t, func() bool { return len(ts.GetBatches()) >= 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []uint64{0}, ts.GetBatches()[0])
	})

	t.Run("TickDropsClosedAuction", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock:   1101,
			tickInterval: 10 * time.Millisecond,
			seedChain: func(chain *mockChain) {
				// In auction but unprofitable, so it survives initialization.
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.System.View()) == 1 }, time.Second, 5*time.Millisecond)

		// Move past the window close; the entry is gone for good.
		ts.Clock.Store(1150)
		require.Eventually(t, func() bool { return len(ts.System.View()) == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, ts.GetBatches())
	})

	t.Run("FailedBatchLeavesTrackingIntact", func(t *testing.T) {
		expectedErr := errors.New("forced submission failure")
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1120,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
			processBatch: func(ts *testSystem) ProcessBatchFunc {
				return func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error) {
					ts.AddBatch(indices)
					return BatchProcessingReceipt{}, expectedErr
				}
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.GetBatches()) >= 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)

		// The failed submission must not drop the entry: it stays in auction
		// for the next cycle.
		stage, ok := viewStage(ts.System.View(), 0)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage)

		var batchErr *BatchError
		require.Eventually(t, func() bool {
			for _, err := range ts.GetErrors() {
				if errors.As(err, &batchErr) {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, batchErr, expectedErr)
		assert.Equal(t, []uint64{0}, batchErr.Indices)
	})

	t.Run("RevertedBatchLeavesTrackingIntact", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1120,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
			processBatch: func(ts *testSystem) ProcessBatchFunc {
				return func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error) {
					ts.AddBatch(indices)
					return BatchProcessingReceipt{TxHash: common.HexToHash("0xdead"), Success: false}, nil
				}
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.GetBatches()) >= 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)

		stage, ok := viewStage(ts.System.View(), 0)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage)
	})

	t.Run("PartialReceiptDropsOnlyConfirmedIndices", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1120,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
				chain.Set(1, testSub(1000, 100, 50, bigTokens(1)))
			},
			processBatch: func(ts *testSystem) ProcessBatchFunc {
				return func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error) {
					ts.AddBatch(indices)
					// Only index 0 actually processed.
					ts.Chain.Redeem([]uint64{0}, ts.Clock.Load())
					return BatchProcessingReceipt{
						TxHash:  common.HexToHash("0xbeef"),
						Success: true,
						Receipts: []ProcessingReceipt{
							{SubscriptionIndex: 0, ProcessingFee: big.NewInt(1), ProcessingFeeToken: testFeeToken},
						},
					}, nil
				}
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.GetBatches()) >= 1 }, time.Second, 5*time.Millisecond)
		require.Equal(t, []uint64{0, 1}, ts.GetBatches()[0])

		require.Eventually(t, func() bool {
			stage, ok := viewStage(ts.System.View(), 0)
			return ok && stage == StageWaiting
		}, time.Second, 5*time.Millisecond)
		stage, ok := viewStage(ts.System.View(), 1)
		require.True(t, ok)
		assert.Equal(t, StageInAuction, stage, "unconfirmed index must stay tracked")
	})

	t.Run("HeadEventResyncsChangedIndices", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
			changedIndices: func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
				return []uint64{0}, nil
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.System.View()) == 1 }, time.Second, 5*time.Millisecond)

		ts.Chain.Cancel(0)

		// First head anchors the range, the second triggers the scan.
		ts.Heads <- 100
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 100 }, time.Second, 5*time.Millisecond)
		ts.Heads <- 101
		require.Eventually(t, func() bool { return len(ts.System.View()) == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(101), ts.System.LastProcessedHead())
	})

	t.Run("EmptyChangeSetIsNoOp", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, ts.System.Initialized, time.Second, 5*time.Millisecond)

		countCallsAfterInit := ts.Chain.countCalls.Load()

		ts.Heads <- 100
		ts.Heads <- 101
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 101 }, time.Second, 5*time.Millisecond)

		// No changed indices means no count check and no re-fetch.
		assert.Equal(t, countCallsAfterInit, ts.Chain.countCalls.Load())
	})

	t.Run("StaleHeadIsIgnored", func(t *testing.T) {
		ts := testSetupSystem(t, nil)
		defer ts.cancel()

		ts.Heads <- 100
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 100 }, time.Second, 5*time.Millisecond)
		ts.Heads <- 99
		ts.Heads <- 100
		ts.Heads <- 101
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 101 }, time.Second, 5*time.Millisecond)
	})

	t.Run("ResyncErrorAdvancesPastRange", func(t *testing.T) {
		expectedErr := errors.New("forced filter failure")
		ts := testSetupSystem(t, &systemTestConfig{
			changedIndices: func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
				return nil, expectedErr
			},
		})
		defer ts.cancel()

		ts.Heads <- 100
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 100 }, time.Second, 5*time.Millisecond)
		ts.Heads <- 101

		var resyncErr *ResyncError
		require.Eventually(t, func() bool {
			for _, err := range ts.GetErrors() {
				if errors.As(err, &resyncErr) {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, resyncErr, expectedErr)
		assert.Equal(t, uint64(101), resyncErr.ToBlock)

		// A poisoned range must not wedge the listener.
		assert.Equal(t, uint64(101), ts.System.LastProcessedHead())
	})

	t.Run("ShardBoundsFilterForeignIndices", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startIndex: 10,
			endIndex:   20,
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				for i := uint64(0); i < 30; i++ {
					chain.Set(i, testSub(1000, 100, 50, bigTokens(1)))
				}
			},
			changedIndices: func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
				// Indices 5 and 25 are outside the shard; 15 is inside.
				return []uint64{5, 15, 25}, nil
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.System.View()) == 10 }, time.Second, 5*time.Millisecond)

		ts.Chain.Cancel(5)
		ts.Chain.Cancel(15)
		ts.Chain.Cancel(25)

		ts.Heads <- 100
		require.Eventually(t, func() bool { return ts.System.LastProcessedHead() == 100 }, time.Second, 5*time.Millisecond)
		ts.Heads <- 101
		require.Eventually(t, func() bool { return len(ts.System.View()) == 9 }, time.Second, 5*time.Millisecond)

		_, ok := viewStage(ts.System.View(), 15)
		assert.False(t, ok)
	})

	t.Run("ViewIsACopy", func(t *testing.T) {
		ts := testSetupSystem(t, &systemTestConfig{
			startClock: 1050,
			seedChain: func(chain *mockChain) {
				chain.Set(0, testSub(1000, 100, 50, bigTokens(1)))
			},
		})
		defer ts.cancel()

		require.Eventually(t, func() bool { return len(ts.System.View()) == 1 }, time.Second, 5*time.Millisecond)

		view := ts.System.View()
		view[0].Index = 42
		assert.Equal(t, uint64(0), ts.System.View()[0].Index)
	})
}

func TestClassifySubscription(t *testing.T) {
	// Cooldown ends at 1100; auction closes at 1150.
	live := testSub(1000, 100, 50, bigTokens(1))
	canceled := testSub(1000, 100, 50, bigTokens(1))
	canceled.Sender = common.Address{}

	tests := []struct {
		name string
		sub  Subscription
		now  uint64
		want classification
	}{
		{"WaitingBeforeCooldownEnds", live, 1050, classWaiting},
		{"WaitingAtExactCooldownEnd", live, 1100, classWaiting},
		{"InAuctionJustAfterCooldown", live, 1101, classInAuction},
		{"InAuctionLateInWindow", live, 1149, classInAuction},
		{"ExpiredAtExactWindowClose", live, 1150, classExpired},
		{"ExpiredAfterWindowClose", live, 1200, classExpired},
		{"CanceledBeatsWaiting", canceled, 1050, classCanceled},
		{"CanceledBeatsAuction", canceled, 1120, classCanceled},
		{"CanceledBeatsExpired", canceled, 1200, classCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySubscription(tt.sub, tt.now))
		})
	}
}

func TestAuctionTipAmount(t *testing.T) {
	sub := testSub(1000, 100, 50, bigTokens(1))

	t.Run("ZeroAtWindowOpen", func(t *testing.T) {
		assert.Zero(t, auctionTipAmount(sub, 1100).Sign())
	})

	t.Run("HalfwayThroughWindow", func(t *testing.T) {
		expected := new(big.Int).Div(bigTokens(1), big.NewInt(2))
		assert.Equal(t, expected, auctionTipAmount(sub, 1125))
	})

	t.Run("FullFeeAtWindowClose", func(t *testing.T) {
		assert.Equal(t, bigTokens(1), auctionTipAmount(sub, 1150))
	})

	t.Run("MonotonicallyNonDecreasing", func(t *testing.T) {
		previous := new(big.Int)
		for now := uint64(1100); now <= 1150; now++ {
			tip := auctionTipAmount(sub, now)
			assert.True(t, tip.Cmp(previous) >= 0, "tip decreased at now=%d", now)
			previous = tip
		}
	})

	t.Run("ZeroAuctionDurationYieldsZeroTip", func(t *testing.T) {
		degenerate := testSub(1000, 100, 0, bigTokens(1))
		assert.Zero(t, auctionTipAmount(degenerate, 1100).Sign())
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SystemName:           "test",
			NewHeadEventer:       make(chan uint64),
			StartIndex:           0,
			EndIndex:             10,
			WETH:                 testWETH,
			GetSubscriptions:     func(ctx context.Context, indices []uint64) ([]Subscription, error) { return nil, nil },
			GetSubscriptionCount: func(ctx context.Context) (uint64, error) { return 0, nil },
			EstimateGasPrices:    func(ctx context.Context) (GasPriceConfig, error) { return GasPriceConfig{}, nil },
			ProcessBatch: func(ctx context.Context, indices []uint64) (BatchProcessingReceipt, error) {
				return BatchProcessingReceipt{}, nil
			},
			ChangedIndices: func(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) { return nil, nil },
			EnsureTokens:   func(ctx context.Context, tokens []common.Address) error { return nil },
			RefreshPrices:  func(ctx context.Context) error { return nil },
			PriceUSD:       func(token common.Address) (float64, bool) { return 0, false },
			Decimals:       func(token common.Address) (uint8, bool) { return 0, false },
			ErrorHandler:   func(error) {},
			Logger:         testLogger{},
		}
	}

	require.NoError(t, valid().validate())

	t.Run("MissingSystemName", func(t *testing.T) {
		cfg := valid()
		cfg.SystemName = ""
		assert.Error(t, cfg.validate())
	})
	t.Run("InvalidShardBounds", func(t *testing.T) {
		cfg := valid()
		cfg.EndIndex = cfg.StartIndex
		assert.Error(t, cfg.validate())
	})
	t.Run("MissingWETH", func(t *testing.T) {
		cfg := valid()
		cfg.WETH = common.Address{}
		assert.Error(t, cfg.validate())
	})
	t.Run("MissingProcessBatch", func(t *testing.T) {
		cfg := valid()
		cfg.ProcessBatch = nil
		assert.Error(t, cfg.validate())
	})
}
