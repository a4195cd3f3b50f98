// Package storage holds the persistence helpers shared by the document stores.
package storage

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a failure of the underlying storage collaborator.
// Operations that return it have not written anything.
var ErrUnavailable = errors.New("storage unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
// A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
