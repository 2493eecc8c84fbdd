package chain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed classification adapters attach to failures.
type ErrorKind int

// Error kinds. KindTransient is the zero value so unclassified failures retry.
const (
	KindTransient ErrorKind = iota
	KindInsufficientFunds
	KindAlreadyKnown
	KindUnderpriced
	KindNonceTooLow
	KindInvalidTimelock
	KindHashlockAlreadySet
	KindHTLCAlreadyExists
	KindAlreadyClaimed
	KindReverted
	KindInvalidRequest
)

var kindNames = map[ErrorKind]string{
	KindTransient:          "transient",
	KindInsufficientFunds:  "insufficient_funds",
	KindAlreadyKnown:       "already_known",
	KindUnderpriced:        "underpriced",
	KindNonceTooLow:        "nonce_too_low",
	KindInvalidTimelock:    "invalid_timelock",
	KindHashlockAlreadySet: "hashlock_already_set",
	KindHTLCAlreadyExists:  "htlc_already_exists",
	KindAlreadyClaimed:     "already_claimed",
	KindReverted:           "reverted",
	KindInvalidRequest:     "invalid_request",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether retrying an operation that failed with k can never succeed.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindInvalidTimelock, KindHashlockAlreadySet, KindHTLCAlreadyExists, KindAlreadyClaimed, KindReverted, KindInvalidRequest:
		return true
	}
	return false
}

// Collision reports whether k means an identical transaction was already accepted.
func (k ErrorKind) Collision() bool {
	return k == KindAlreadyKnown || k == KindUnderpriced
}

// Error is a classified adapter failure.
type Error struct {
	Kind    ErrorKind
	Network string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Network, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Network, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, network, op string, err error) *Error {
	return &Error{Kind: kind, Network: network, Op: op, Err: err}
}

// KindOf extracts the classification from err, defaulting to KindTransient.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransient
}
