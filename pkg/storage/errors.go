package storage

import (
	"errors"
	"fmt"

	"github.com/mconcat/flock/pkg/statemachine"
)

// ErrNotFound is returned by the in-memory backend's update/get when a key
// does not exist. The durable backend's update silently no-ops instead; see
// DESIGN.md for the rationale (spec §9 Open Question, deliberately left
// unresolved by the source material).
var ErrNotFound = statemachine.ErrNotFound

// ErrAlreadyExists is the sentinel wrapped by ErrAlreadyExistsFor.
var ErrAlreadyExists = statemachine.ErrAlreadyExists

// ErrDuplicateBridge is the sentinel wrapped by ErrDuplicateBridgeFor.
var ErrDuplicateBridge = statemachine.ErrDuplicateBridge

// ErrAlreadyExistsFor wraps ErrAlreadyExists with the offending key.
func ErrAlreadyExistsFor(key string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
}

// ErrDuplicateBridgeFor wraps ErrDuplicateBridge with the offending (platform, externalChannelId) pair.
func ErrDuplicateBridgeFor(platform, externalChannelID string) error {
	return fmt.Errorf("%w: platform=%s externalChannelId=%s", ErrDuplicateBridge, platform, externalChannelID)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
