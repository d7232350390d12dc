// Command keeper runs one shard of the Sub2 subscription keeper: it tracks
// subscription lifecycles, watches the chain for changes, and submits batch
// redemptions when the auction incentive covers the gas cost.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	keeper "github.com/victorbrevig/sub2-processor"
	"github.com/victorbrevig/sub2-processor/listener"
	"github.com/victorbrevig/sub2-processor/prices"
	"github.com/victorbrevig/sub2-processor/processor"
	"github.com/victorbrevig/sub2-processor/querier"
)

const rpcCallTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()
	logger := sugaredLogger{s: zlog.Sugar()}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		zlog.Fatal("invalid private key", zap.Error(err))
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	feeRecipient := cfg.FeeRecipient
	if feeRecipient == (common.Address{}) {
		feeRecipient = sender
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		zlog.Fatal("failed to dial rpc", zap.String("url", cfg.RPCURL), zap.Error(err))
	}
	defer client.Close()
	getClient := func() (ethclients.ETHClient, error) { return client, nil }

	chainCtx, chainCancel := context.WithTimeout(ctx, rpcCallTimeout)
	chainID, err := client.ChainID(chainCtx)
	chainCancel()
	if err != nil {
		zlog.Fatal("failed to fetch chain id", zap.Error(err))
	}
	signer := types.LatestSignerForChainID(chainID)
	signTx := func(tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, signer, key)
	}

	chainQuerier, err := querier.NewQuerier(cfg.Sub2Address, cfg.QuerierAddress, getClient)
	if err != nil {
		zlog.Fatal("failed to construct querier", zap.Error(err))
	}
	eventListener, err := listener.NewListener(cfg.Sub2Address, getClient)
	if err != nil {
		zlog.Fatal("failed to construct listener", zap.Error(err))
	}
	decimalsCache, err := prices.NewDecimalsCache(prices.ERC20Decimals(getClient), logger)
	if err != nil {
		zlog.Fatal("failed to construct decimals cache", zap.Error(err))
	}
	oracle, err := prices.NewPairOracle(cfg.USDCAddress, cfg.PricePairs, decimalsCache, getClient)
	if err != nil {
		zlog.Fatal("failed to construct pair oracle", zap.Error(err))
	}
	priceCache, err := prices.NewPriceCache(oracle.PriceUSD, logger)
	if err != nil {
		zlog.Fatal("failed to construct price cache", zap.Error(err))
	}
	batchProcessor, err := processor.NewProcessor(&processor.Config{
		BatchProcessor:    cfg.BatchProcessorAddress,
		FeeRecipient:      feeRecipient,
		Sender:            sender,
		ChainID:           chainID,
		GetClient:         getClient,
		EstimateGasPrices: chainQuerier.EstimateGasPrices,
		SignTx:            signTx,
		Logger:            logger,
	})
	if err != nil {
		zlog.Fatal("failed to construct processor", zap.Error(err))
	}

	// The gas cost leg cannot be priced until WETH has a price; warm it (and
	// USDC) before the shard starts classifying.
	if err := priceCache.EnsureTokens(ctx, []common.Address{cfg.WETHAddress, cfg.USDCAddress}); err != nil {
		logger.Warn("initial price warmup incomplete", "err", err)
	}

	ensureTokens := func(ctx context.Context, tokens []common.Address) error {
		if err := decimalsCache.EnsureTokens(ctx, tokens); err != nil {
			return err
		}
		return priceCache.EnsureTokens(ctx, tokens)
	}

	registry := prometheus.NewRegistry()
	heads := make(chan uint64, 1)

	system, err := keeper.NewKeeperSystem(ctx, &keeper.Config{
		SystemName:           "sub2-keeper",
		PrometheusReg:        registry,
		NewHeadEventer:       heads,
		StartIndex:           cfg.StartIndex,
		EndIndex:             cfg.EndIndex,
		WETH:                 cfg.WETHAddress,
		GainFactor:           cfg.GainFactor,
		GasPerRedemption:     cfg.GasPerRedemption,
		TickInterval:         cfg.TickInterval,
		GetSubscriptions:     chainQuerier.GetSubscriptions,
		GetSubscriptionCount: chainQuerier.GetSubscriptionCount,
		EstimateGasPrices:    chainQuerier.EstimateGasPrices,
		ProcessBatch:         batchProcessor.ProcessBatch,
		ChangedIndices:       eventListener.ChangedIndices,
		EnsureTokens:         ensureTokens,
		RefreshPrices:        priceCache.RefreshAll,
		PriceUSD:             priceCache.PriceUSD,
		Decimals:             decimalsCache.Decimals,
		ErrorHandler:         func(error) {},
		Logger:               logger,
	})
	if err != nil {
		zlog.Fatal("failed to start keeper system", zap.Error(err))
	}

	go pollHeads(ctx, client, heads, cfg.HeadPollInterval, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: newServeMux(registry, system),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Keeper running",
		"sender", sender.Hex(),
		"feeRecipient", feeRecipient.Hex(),
		"chainID", chainID.String(),
		"metricsPort", cfg.MetricsPort,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Fatal("metrics server failed", zap.Error(err))
	}
}

func newServeMux(registry *prometheus.Registry, system *keeper.KeeperSystem) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !system.Initialized() {
			http.Error(w, "initializing", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(system.View())
	})
	return mux
}

// pollHeads feeds the latest block number to the system on a fixed cadence.
// The system derives the elapsed block range itself, so a dropped delivery is
// covered by the next one.
func pollHeads(ctx context.Context, client *ethclient.Client, heads chan<- uint64, interval time.Duration, logger keeper.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, callCancel := context.WithTimeout(ctx, rpcCallTimeout)
			head, err := client.BlockNumber(callCtx)
			callCancel()
			if err != nil {
				logger.Warn("failed to poll chain head", "err", err)
				continue
			}
			select {
			case heads <- head:
			default:
				// The listener is mid-cycle; the next poll supersedes this head.
			}
		}
	}
}
