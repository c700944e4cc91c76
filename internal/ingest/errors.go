package ingest

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one kind and the underlying cause, so
// errors.Is matches either.
var (
	// ErrSourceUnavailable covers network failures, timeouts, non-2xx
	// responses and open circuits.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSchema means the upstream payload did not have the expected shape.
	ErrSchema = errors.New("schema error")
	// ErrStorage wraps failed store reads and writes.
	ErrStorage = errors.New("storage error")
)

func unavailable(source string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, source, err)
}

func schemaError(source string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSchema, source, err)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
