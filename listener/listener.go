// Package listener watches the Sub2 contract for subscription-affecting
// events and reports the affected indices for re-synchronization.
package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/victorbrevig/sub2-processor/logs"
)

type GetClientFunc func() (ethclients.ETHClient, error)

// Listener retrieves the three subscription event streams for a block range
// and computes their index union. The streams are fetched concurrently; the
// union is only reported once all three have completed, and any retrieval or
// decoding failure fails the whole pass.
type Listener struct {
	sub2      common.Address
	getClient GetClientFunc
}

func NewListener(sub2 common.Address, getClient GetClientFunc) (*Listener, error) {
	if sub2 == (common.Address{}) {
		return nil, errors.New("sub2 contract address is required")
	}
	if getClient == nil {
		return nil, errors.New("get client function is required")
	}
	return &Listener{sub2: sub2, getClient: getClient}, nil
}

// ChangedIndices returns the deduplicated union of subscription indices
// touched by creation, cancellation, or fee-update events in the closed
// range [fromBlock, toBlock], in ascending order.
func (l *Listener) ChangedIndices(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
	client, err := l.getClient()
	if err != nil {
		return nil, fmt.Errorf("listener: failed to get eth client: %w", err)
	}

	var (
		created  []logs.CreatedEvent
		canceled []logs.CanceledEvent
		updated  []logs.FeeUpdatedEvent
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		raw, err := l.filterLogs(groupCtx, client, fromBlock, toBlock, logs.SubscriptionCreatedEvent)
		if err != nil {
			return fmt.Errorf("created stream: %w", err)
		}
		created, err = logs.CreatedSubscriptions(raw)
		return err
	})
	group.Go(func() error {
		raw, err := l.filterLogs(groupCtx, client, fromBlock, toBlock, logs.SubscriptionCanceledEvent)
		if err != nil {
			return fmt.Errorf("canceled stream: %w", err)
		}
		canceled, err = logs.CanceledSubscriptions(raw)
		return err
	})
	group.Go(func() error {
		raw, err := l.filterLogs(groupCtx, client, fromBlock, toBlock, logs.MaxProcessingFeeUpdatedEvent)
		if err != nil {
			return fmt.Errorf("fee update stream: %w", err)
		}
		updated, err = logs.UpdatedFees(raw)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	union := make(map[uint64]struct{})
	for _, event := range created {
		union[event.SubscriptionIndex()] = struct{}{}
	}
	for _, event := range canceled {
		union[event.SubscriptionIndex()] = struct{}{}
	}
	for _, event := range updated {
		union[event.SubscriptionIndex()] = struct{}{}
	}
	if len(union) == 0 {
		return nil, nil
	}

	indices := make([]uint64, 0, len(union))
	for index := range union {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

func (l *Listener) filterLogs(ctx context.Context, client ethclients.ETHClient, fromBlock, toBlock uint64, topic common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{l.sub2},
		Topics:    [][]common.Hash{{topic}},
	}
	return client.FilterLogs(ctx, query)
}
