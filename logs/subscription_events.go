package logs

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DecodingError indicates a log matched an event signature but could not be
// decoded. A single bad log fails the whole pass; the caller retries from
// fresh chain state rather than acting on a partial view.
type DecodingError struct {
	Event string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode %s log: %v", e.Event, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// SubscriptionEvent is the common surface of the three subscription-affecting
// event kinds. Each variant carries exactly the index it affects.
type SubscriptionEvent interface {
	SubscriptionIndex() uint64
}

// CreatedEvent reports a newly created subscription.
type CreatedEvent struct {
	Index     uint64
	Recipient common.Address
}

func (e CreatedEvent) SubscriptionIndex() uint64 { return e.Index }

// CanceledEvent reports a canceled subscription.
type CanceledEvent struct {
	Index     uint64
	Recipient common.Address
}

func (e CanceledEvent) SubscriptionIndex() uint64 { return e.Index }

// FeeUpdatedEvent reports a change to a subscription's maximum processing fee.
type FeeUpdatedEvent struct {
	Index            uint64
	MaxProcessingFee *big.Int
	FeeToken         common.Address
}

func (e FeeUpdatedEvent) SubscriptionIndex() uint64 { return e.Index }

// CreatedSubscriptions parses a slice of logs and returns a CreatedEvent for
// every SubscriptionCreated log found.
func CreatedSubscriptions(logs []types.Log) ([]CreatedEvent, error) {
	var events []CreatedEvent
	for _, log := range logs {
		if len(log.Topics) == 0 || log.Topics[0] != SubscriptionCreatedEvent {
			continue
		}
		index, recipient, err := decodeIndexedPair(log, "SubscriptionCreated")
		if err != nil {
			return nil, err
		}
		events = append(events, CreatedEvent{Index: index, Recipient: recipient})
	}
	return events, nil
}

// CanceledSubscriptions parses a slice of logs and returns a CanceledEvent
// for every SubscriptionCanceled log found.
func CanceledSubscriptions(logs []types.Log) ([]CanceledEvent, error) {
	var events []CanceledEvent
	for _, log := range logs {
		if len(log.Topics) == 0 || log.Topics[0] != SubscriptionCanceledEvent {
			continue
		}
		index, recipient, err := decodeIndexedPair(log, "SubscriptionCanceled")
		if err != nil {
			return nil, err
		}
		events = append(events, CanceledEvent{Index: index, Recipient: recipient})
	}
	return events, nil
}

// UpdatedFees parses a slice of logs and returns a FeeUpdatedEvent for every
// MaxProcessingFeeUpdated log found. Unlike the other two events, all of its
// arguments live in the data field.
func UpdatedFees(logs []types.Log) ([]FeeUpdatedEvent, error) {
	var events []FeeUpdatedEvent
	for _, log := range logs {
		if len(log.Topics) == 0 || log.Topics[0] != MaxProcessingFeeUpdatedEvent {
			continue
		}

		// The data field packs (uint256 subscriptionIndex, uint256
		// maxProcessingFee, address processingFeeToken) in three 32-byte slots.
		if len(log.Data) != 96 {
			return nil, &DecodingError{
				Event: "MaxProcessingFeeUpdated",
				Err:   fmt.Errorf("unexpected data length %d", len(log.Data)),
			}
		}

		rawIndex := new(big.Int).SetBytes(log.Data[:32])
		if !rawIndex.IsUint64() {
			return nil, &DecodingError{
				Event: "MaxProcessingFeeUpdated",
				Err:   fmt.Errorf("subscription index %s overflows uint64", rawIndex),
			}
		}

		events = append(events, FeeUpdatedEvent{
			Index:            rawIndex.Uint64(),
			MaxProcessingFee: new(big.Int).SetBytes(log.Data[32:64]),
			FeeToken:         common.BytesToAddress(log.Data[64:96]),
		})
	}
	return events, nil
}

// decodeIndexedPair extracts the (subscriptionIndex, recipient) indexed
// arguments shared by the created and canceled events.
func decodeIndexedPair(log types.Log, event string) (uint64, common.Address, error) {
	if len(log.Topics) != 3 {
		return 0, common.Address{}, &DecodingError{
			Event: event,
			Err:   fmt.Errorf("expected 3 topics, got %d", len(log.Topics)),
		}
	}

	rawIndex := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !rawIndex.IsUint64() {
		return 0, common.Address{}, &DecodingError{
			Event: event,
			Err:   fmt.Errorf("subscription index %s overflows uint64", rawIndex),
		}
	}

	return rawIndex.Uint64(), common.BytesToAddress(log.Topics[2].Bytes()), nil
}
