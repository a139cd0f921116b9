package collections

import (
	"errors"
	"fmt"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// ErrUnavailable is returned when a collection cannot be fetched and no
// cached copy exists at all.
var ErrUnavailable = errors.New("collection unavailable")

// DecodeError reports a payload that could not be decoded into the
// collection's record type. For remote payloads the cache is left untouched
// so the prior value is preserved.
type DecodeError struct {
	Key    shiftcore.CollectionKey
	Schema uint32
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s (schema %d): %v", e.Key, e.Schema, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
