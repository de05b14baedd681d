// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSegments = errors.New("initial segment count must be positive")
	ErrSegmentAlloc    = errors.New("segment allocation failed")
	ErrDirectoryAlloc  = errors.New("directory allocation failed")
	ErrDirectoryFull   = errors.New("directory depth limit reached")
	ErrTooManySegments = errors.New("segment handle space exhausted")
	ErrNotHalvable     = errors.New("directory cannot be halved")
)

// InvariantError reports a broken structural invariant. The index panics
// with it because the structure can no longer be trusted.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("index invariant violated in %s: %s", e.Op, e.Detail)
}

func invariant(op, format string, args ...any) {
	err := &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
	log.Error(err)
	panic(err)
}
