package logs

import "github.com/victorbrevig/sub2-processor/abi"

var (
	SubscriptionCreatedEvent     = abi.Sub2ABI.Events["SubscriptionCreated"].ID
	SubscriptionCanceledEvent    = abi.Sub2ABI.Events["SubscriptionCanceled"].ID
	MaxProcessingFeeUpdatedEvent = abi.Sub2ABI.Events["MaxProcessingFeeUpdated"].ID
)
