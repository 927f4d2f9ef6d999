package strata

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure an engine returns wraps exactly one of
// these sentinels, so callers can classify with errors.Is while the full
// driver error stays in the chain. No operation converts a storage failure
// into a cache miss; CheckHealth is the sole place failures become a bool.
var (
	// ErrSerialization reports that the codec failed on write or read.
	ErrSerialization = errors.New("strata: serialization failed")

	// ErrBackend reports that a storage-layer operation failed.
	ErrBackend = errors.New("strata: backend operation failed")

	// ErrConnection reports that the remote store is unreachable or
	// rejected authentication.
	ErrConnection = errors.New("strata: connection failed")
)

func serializationErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSerialization, op, err)
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}

func connectionErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}
