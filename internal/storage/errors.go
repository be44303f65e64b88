package storage

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/relaysync/internal/bso"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNotModified        = errors.New("not modified")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrNotImplemented     = errors.New("not implemented")
)

// PreconditionError is returned when X-If-Unmodified-Since is older than the
// target's current timestamp. Nothing was written.
type PreconditionError struct {
	IfUnmodifiedSince bso.Timestamp
	Current           bso.Timestamp
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: unmodified since %s, current %s", e.IfUnmodifiedSince, e.Current)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}
