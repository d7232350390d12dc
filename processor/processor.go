// Package processor implements the write side of the chain gateway: atomic
// batch redemption of subscription indices through the BatchProcessor
// contract.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	keeper "github.com/victorbrevig/sub2-processor"
	"github.com/victorbrevig/sub2-processor/abi"
)

const (
	// DefaultGasPerItem is the per-redemption gas allowance used to provision
	// the batch gas limit.
	DefaultGasPerItem = 120_000
	// DefaultGasOverhead is the fixed gas overhead added on top of the
	// per-item allowances.
	DefaultGasOverhead = 100_000
	// DefaultConfirmationTimeout bounds the wait for a broadcast batch to be
	// mined, so a stuck transaction cannot block all subsequent cycles.
	DefaultConfirmationTimeout = 2 * time.Minute

	defaultRPCTimeout   = 10 * time.Second
	receiptPollInterval = 2 * time.Second
)

type GetClientFunc func() (ethclients.ETHClient, error)

// SignTxFunc signs a transaction for the keeper account. Key management is
// the caller's concern; the processor never sees a private key.
type SignTxFunc func(tx *types.Transaction) (*types.Transaction, error)

type EstimateGasPricesFunc func(ctx context.Context) (keeper.GasPriceConfig, error)

// Config holds the dependencies and settings for a Processor.
type Config struct {
	BatchProcessor common.Address
	FeeRecipient   common.Address
	Sender         common.Address
	ChainID        *big.Int

	GetClient         GetClientFunc
	EstimateGasPrices EstimateGasPricesFunc
	SignTx            SignTxFunc

	GasPerItem          uint64        // defaults to DefaultGasPerItem
	GasOverhead         uint64        // defaults to DefaultGasOverhead
	ConfirmationTimeout time.Duration // defaults to DefaultConfirmationTimeout

	Logger keeper.Logger
}

func (c *Config) validate() error {
	if c.BatchProcessor == (common.Address{}) {
		return errors.New("batch processor contract address is required")
	}
	if c.FeeRecipient == (common.Address{}) {
		return errors.New("fee recipient address is required")
	}
	if c.Sender == (common.Address{}) {
		return errors.New("sender address is required")
	}
	if c.ChainID == nil {
		return errors.New("chain id is required")
	}
	if c.GetClient == nil {
		return errors.New("get client function is required")
	}
	if c.EstimateGasPrices == nil {
		return errors.New("estimate gas prices function is required")
	}
	if c.SignTx == nil {
		return errors.New("sign transaction function is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Processor submits redemption batches. Every batch is simulated before
// broadcast; a revert in simulation means nothing was sent and the caller's
// tracking state is guaranteed untouched.
type Processor struct {
	batchProcessor common.Address
	feeRecipient   common.Address
	sender         common.Address
	chainID        *big.Int

	getClient         GetClientFunc
	estimateGasPrices EstimateGasPricesFunc
	signTx            SignTxFunc

	gasPerItem          uint64
	gasOverhead         uint64
	confirmationTimeout time.Duration

	logger keeper.Logger
}

func NewProcessor(cfg *Config) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid processor configuration: %w", err)
	}

	gasPerItem := cfg.GasPerItem
	if gasPerItem == 0 {
		gasPerItem = DefaultGasPerItem
	}
	gasOverhead := cfg.GasOverhead
	if gasOverhead == 0 {
		gasOverhead = DefaultGasOverhead
	}
	confirmationTimeout := cfg.ConfirmationTimeout
	if confirmationTimeout <= 0 {
		confirmationTimeout = DefaultConfirmationTimeout
	}

	return &Processor{
		batchProcessor:      cfg.BatchProcessor,
		feeRecipient:        cfg.FeeRecipient,
		sender:              cfg.Sender,
		chainID:             cfg.ChainID,
		getClient:           cfg.GetClient,
		estimateGasPrices:   cfg.EstimateGasPrices,
		signTx:              cfg.SignTx,
		gasPerItem:          gasPerItem,
		gasOverhead:         gasOverhead,
		confirmationTimeout: confirmationTimeout,
		logger:              cfg.Logger,
	}, nil
}

// GasLimitFor provisions the gas limit for a batch of the given size. It is
// recomputed for every call because batch size varies per submission.
func (p *Processor) GasLimitFor(batchSize int) uint64 {
	return p.gasPerItem*uint64(batchSize) + p.gasOverhead
}

// ProcessBatch simulates and submits one batch redemption transaction and
// waits for its confirmation.
func (p *Processor) ProcessBatch(ctx context.Context, indices []uint64) (keeper.BatchProcessingReceipt, error) {
	if len(indices) == 0 {
		return keeper.BatchProcessingReceipt{}, errors.New("cannot process an empty batch")
	}

	client, err := p.getClient()
	if err != nil {
		return keeper.BatchProcessingReceipt{}, fmt.Errorf("processor: failed to get eth client: %w", err)
	}

	rawIndices := make([]*big.Int, len(indices))
	for i, index := range indices {
		rawIndices[i] = new(big.Int).SetUint64(index)
	}
	callData, err := abi.BatchProcessorABI.Pack("processBatch", rawIndices, p.feeRecipient)
	if err != nil {
		return keeper.BatchProcessingReceipt{}, fmt.Errorf("failed to pack processBatch call: %w", err)
	}

	gasLimit := p.GasLimitFor(len(indices))
	gasConfig, err := p.estimateGasPrices(ctx)
	if err != nil {
		return keeper.BatchProcessingReceipt{}, fmt.Errorf("failed to estimate gas prices: %w", err)
	}

	receipts, err := p.simulate(ctx, client, callData, gasLimit)
	if err != nil {
		return keeper.BatchProcessingReceipt{}, err
	}

	signed, err := p.broadcast(ctx, client, callData, gasLimit, gasConfig)
	if err != nil {
		return keeper.BatchProcessingReceipt{}, err
	}

	p.logger.Info("Batch transaction broadcast",
		"tx", signed.Hash().Hex(),
		"count", len(indices),
		"gasLimit", gasLimit,
	)

	receipt, err := p.waitForReceipt(ctx, client, signed.Hash())
	if err != nil {
		return keeper.BatchProcessingReceipt{}, &keeper.ConfirmationTimeoutError{TxHash: signed.Hash(), Err: err}
	}

	result := keeper.BatchProcessingReceipt{
		TxHash:  signed.Hash(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if result.Success {
		result.Receipts = receipts
	}
	return result, nil
}

// processingReceiptWire mirrors the contract's receipt tuple layout.
type processingReceiptWire struct {
	SubscriptionIndex  *big.Int
	ProcessingFee      *big.Int
	ProcessingFeeToken common.Address
}

// simulate runs the pre-flight eth_call and decodes the per-index receipts
// the batch would produce.
func (p *Processor) simulate(ctx context.Context, client ethclients.ETHClient, callData []byte, gasLimit uint64) ([]keeper.ProcessingReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	ret, err := client.CallContract(callCtx, ethereum.CallMsg{
		From: p.sender,
		To:   &p.batchProcessor,
		Gas:  gasLimit,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, &keeper.SimulationError{Err: err}
	}

	out, err := abi.BatchProcessorABI.Unpack("processBatch", ret)
	if err != nil {
		return nil, &keeper.SimulationError{Err: fmt.Errorf("failed to unpack simulation result: %w", err)}
	}
	wire := *ethabi.ConvertType(out[0], new([]processingReceiptWire)).(*[]processingReceiptWire)

	receipts := make([]keeper.ProcessingReceipt, len(wire))
	for i, entry := range wire {
		if !entry.SubscriptionIndex.IsUint64() {
			return nil, &keeper.SimulationError{
				Err: fmt.Errorf("receipt index %s overflows uint64", entry.SubscriptionIndex),
			}
		}
		receipts[i] = keeper.ProcessingReceipt{
			SubscriptionIndex:  entry.SubscriptionIndex.Uint64(),
			ProcessingFee:      entry.ProcessingFee,
			ProcessingFeeToken: entry.ProcessingFeeToken,
		}
	}
	return receipts, nil
}

// broadcast signs and sends the batch transaction.
func (p *Processor) broadcast(ctx context.Context, client ethclients.ETHClient, callData []byte, gasLimit uint64, gasConfig keeper.GasPriceConfig) (*types.Transaction, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	nonce, err := client.PendingNonceAt(callCtx, p.sender)
	if err != nil {
		return nil, &keeper.SubmissionError{Err: fmt.Errorf("failed to get pending nonce: %w", err)}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: gasConfig.MaxPriorityFeePerGas,
		GasFeeCap: gasConfig.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &p.batchProcessor,
		Data:      callData,
	})
	signed, err := p.signTx(tx)
	if err != nil {
		return nil, &keeper.SubmissionError{Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}

	if err := client.SendTransaction(callCtx, signed); err != nil {
		return nil, &keeper.SubmissionError{TxHash: signed.Hash(), Err: err}
	}
	return signed, nil
}

// waitForReceipt polls for the transaction receipt until it appears or the
// confirmation timeout elapses.
func (p *Processor) waitForReceipt(ctx context.Context, client ethclients.ETHClient, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmationTimeout)
	defer cancel()

	attempts := uint(p.confirmationTimeout/receiptPollInterval) + 1

	var receipt *types.Receipt
	err := retry.Do(
		func() error {
			found, err := client.TransactionReceipt(waitCtx, txHash)
			if err != nil {
				return err
			}
			receipt = found
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(attempts),
		retry.Delay(receiptPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
