package keeper

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SystemError is a base type for errors originating from the keeper system.
type SystemError struct {
	Block uint64
	Err   error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("block %d: %v", e.Block, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// ResyncError indicates that a change-notification pass over a block range
// failed before the index union could be computed. Tracked state is left
// untouched; the next trigger re-fetches from fresh chain state.
type ResyncError struct {
	SystemError
	FromBlock uint64
	ToBlock   uint64
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("resync [%d, %d]: %v", e.FromBlock, e.ToBlock, e.Err)
}

// SimulationError indicates the pre-flight simulation of a batch reverted.
// No transaction was broadcast and no tracking state was mutated.
type SimulationError struct {
	Err error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("batch simulation reverted: %v", e.Err)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

// SubmissionError indicates a batch transaction failed to broadcast after a
// successful simulation.
type SubmissionError struct {
	TxHash common.Hash
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("batch submission failed (tx %s): %v", e.TxHash.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ConfirmationTimeoutError indicates a broadcast batch transaction was not
// confirmed within the configured wait. The transaction may still land; the
// next cycle re-evaluates against fresh on-chain state either way.
type ConfirmationTimeoutError struct {
	TxHash common.Hash
	Err    error
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("batch confirmation timed out (tx %s): %v", e.TxHash.Hex(), e.Err)
}

func (e *ConfirmationTimeoutError) Unwrap() error {
	return e.Err
}

// BatchError wraps a failed batch-submission cycle with the indices that were
// requested, for operator visibility.
type BatchError struct {
	Indices []uint64
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch of %d subscriptions failed: %v", len(e.Indices), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// determineErrorType maps an error to the label used by the errors_total
// metric. More specific types are checked before their wrappers.
func determineErrorType(err error) string {
	var (
		simErr    *SimulationError
		subErr    *SubmissionError
		confErr   *ConfirmationTimeoutError
		resyncErr *ResyncError
		batchErr  *BatchError
		systemErr *SystemError
	)
	switch {
	case errors.As(err, &simErr):
		return "simulation"
	case errors.As(err, &subErr):
		return "submission"
	case errors.As(err, &confErr):
		return "confirmation_timeout"
	case errors.As(err, &resyncErr):
		return "resync"
	case errors.As(err, &batchErr):
		return "batch"
	case errors.As(err, &systemErr):
		return "system"
	default:
		return "unknown"
	}
}
