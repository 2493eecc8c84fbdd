// Package htlc holds the hashlock primitives and timelock policy of the solver's HTLC protocol.
// Everything here is pure apart from NewSecret, which reads crypto/rand.
package htlc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol timing constants.
const (
	// MaxAcceptableCommitTimelock bounds how far in the future a user's commit may expire.
	MaxAcceptableCommitTimelock = 45 * time.Minute
	// MinAcceptableTimelock is the minimum time left before a source-side lock expires.
	MinAcceptableTimelock = 15 * time.Minute
	// LPTimelock is the destination lock duration fronted by the solver.
	LPTimelock = 2 * MaxAcceptableCommitTimelock
	// RewardTimelock is the reward window attached to the destination lock.
	RewardTimelock = 30 * time.Minute
)

// Size is the byte length of both the secret and the hashlock.
const Size = 32

var (
	// ErrTimelockTooLong is returned when a commit expires later than the maximum accepted.
	ErrTimelockTooLong = errors.New("htlc: timelock longer than max acceptable")
	// ErrTimelockTooShort is returned when too little time remains before expiry.
	ErrTimelockTooShort = errors.New("htlc: remaining timelock shorter than min acceptable")
	// ErrInsufficientSlack is returned when a source lock would expire too close to the LP timelock.
	ErrInsufficientSlack = errors.New("htlc: timelock leaves insufficient slack before LP timelock")
	// ErrInvalidHashlock is returned for malformed hashlock strings.
	ErrInvalidHashlock = errors.New("htlc: invalid hashlock")
)

// Secret is the preimage revealed to redeem both legs.
type Secret [Size]byte

// Hashlock is SHA-256(secret).
type Hashlock [Size]byte

// NewSecret draws a random secret and returns it with its hashlock.
func NewSecret() (Secret, Hashlock, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, Hashlock{}, fmt.Errorf("htlc: read random secret: %w", err)
	}
	return s, s.Hashlock(), nil
}

// Hashlock derives the SHA-256 digest of the secret.
func (s Secret) Hashlock() Hashlock {
	return Hashlock(sha256.Sum256(s[:]))
}

// Hex encodes the secret with a 0x prefix.
func (s Secret) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

// Hex encodes the hashlock with a 0x prefix.
func (h Hashlock) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// ParseSecret decodes a hex secret with or without 0x prefix.
func ParseSecret(raw string) (Secret, error) {
	var s Secret
	b, err := decode32(raw)
	if err != nil {
		return s, fmt.Errorf("htlc: invalid secret: %w", err)
	}
	copy(s[:], b)
	return s, nil
}

// ParseHashlock decodes a hex hashlock with or without 0x prefix.
func ParseHashlock(raw string) (Hashlock, error) {
	var h Hashlock
	b, err := decode32(raw)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHashlock, err)
	}
	copy(h[:], b)
	return h, nil
}

// Verify reports whether secret hashes to hashlock.
func Verify(secret Secret, hashlock Hashlock) bool {
	return secret.Hashlock() == hashlock
}

// SameHashlock compares two hex hashlocks ignoring case and prefix.
func SameHashlock(a, b string) bool {
	ha, errA := ParseHashlock(a)
	hb, errB := ParseHashlock(b)
	return errA == nil && errB == nil && ha == hb
}

func decode32(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(b) != Size {
		return nil, fmt.Errorf("expected %d bytes, got %d", Size, len(b))
	}
	return b, nil
}

// ValidateCommitTimelock checks a user's commit timelock at admission: it must not exceed
// now+45m and must leave at least 15m before expiry.
func ValidateCommitTimelock(now, timelock time.Time) error {
	if timelock.After(now.Add(MaxAcceptableCommitTimelock)) {
		return ErrTimelockTooLong
	}
	return ValidateRemaining(now, timelock)
}

// ValidateRemaining checks that at least MinAcceptableTimelock remains before timelock.
func ValidateRemaining(now, timelock time.Time) error {
	if timelock.Sub(now) < MinAcceptableTimelock {
		return ErrTimelockTooShort
	}
	return nil
}

// ValidateAddLockTimelock checks an add-lock authorisation: enough time remains and the
// source lock expires at least MinAcceptableTimelock before the LP timelock.
func ValidateAddLockTimelock(now, timelock, lpTimelock time.Time) error {
	if err := ValidateRemaining(now, timelock); err != nil {
		return err
	}
	if lpTimelock.Sub(timelock) < MinAcceptableTimelock {
		return ErrInsufficientSlack
	}
	return nil
}

// LPDeadlines returns the destination lock timelock and reward timelock for a lock created at now.
func LPDeadlines(now time.Time) (timelock, reward time.Time) {
	return now.Add(LPTimelock), now.Add(RewardTimelock)
}
