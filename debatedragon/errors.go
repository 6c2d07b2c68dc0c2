package debatedragon

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistenceFailure is returned when the rambling state (or any other
	// record) can't be read from or written to the database.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrDeliveryFailure is returned when an outbound discord message is
	// rejected, or can't be sent at all.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrRegistrationFailure is returned when discord rejects a bulk
	// command overwrite.
	ErrRegistrationFailure = errors.New("registration failure")

	// ErrUnhandledCommand is returned when an interaction references a
	// command name that isn't in the command table. These are ignored.
	ErrUnhandledCommand = errors.New("unhandled command")
)

// wrapErr tags err with the given sentinel, keeping both in the chain
// for errors.Is. A nil err stays nil.
func wrapErr(kind error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}
