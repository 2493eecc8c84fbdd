package coordinator

import "errors"

// State is a swap workflow state.
type State string

// Workflow states in protocol order.
const (
	StateCreated            State = "Created"
	StateValidatingLimits   State = "ValidatingLimits"
	StateQuoting            State = "Quoting"
	StateLockingDestination State = "LockingDestination"
	StateAwaitingSourceLock State = "AwaitingSourceLock"
	StateRedeemingBoth      State = "RedeemingBoth"
	StateRefunding          State = "Refunding"
	StateCompleted          State = "Completed"
	StateRefunded           State = "Refunded"
	StateFailed             State = "Failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateFailed
}

var terminalStates = []string{string(StateCompleted), string(StateRefunded), string(StateFailed)}

var (
	// ErrNonRetryable wraps failures that terminate a swap.
	ErrNonRetryable = errors.New("coordinator: non-retryable")
	// ErrOutputLessThanFee is returned when the quote leaves nothing to deliver.
	ErrOutputLessThanFee = errors.New("output amount less than fee")
	// ErrAmountAboveLimit is returned when the commit exceeds the route maximum.
	ErrAmountAboveLimit = errors.New("amount above route limit")
	// ErrAmountBelowLimit is returned when the commit is under the route minimum.
	ErrAmountBelowLimit = errors.New("amount below route limit")
	// ErrAssetNotConfigured is returned when a network or token of the commit is unknown.
	ErrAssetNotConfigured = errors.New("asset not configured")
	// ErrCancelled is the failure reason of swaps cancelled before any funds were locked.
	ErrCancelled = errors.New("swap cancelled")
	// ErrUnknownSwap is returned for signals addressed to a commit id without a workflow.
	ErrUnknownSwap = errors.New("coordinator: unknown swap")
	// ErrSwapFinished is returned for signals addressed to a terminal workflow.
	ErrSwapFinished = errors.New("coordinator: swap already finished")
	// ErrLockNetworkMismatch is returned for lock events observed on a network other than
	// the swap's source network.
	ErrLockNetworkMismatch = errors.New("coordinator: lock observed on wrong network")
	// ErrSignatureAlreadyAccepted is returned once an add-lock signature was accepted.
	ErrSignatureAlreadyAccepted = errors.New("coordinator: add-lock signature already accepted")
	// ErrInvalidAddLockSignature is recorded when the user's signature does not verify.
	ErrInvalidAddLockSignature = errors.New("signature does not verify")
	// ErrNotAwaitingSignature is returned when the destination lock has not been prepared yet.
	ErrNotAwaitingSignature = errors.New("coordinator: swap not awaiting a signature")
)
