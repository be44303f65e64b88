package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNotModified        = errors.New("not modified")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrMalformedRecord    = errors.New("malformed record")
	ErrTransport          = errors.New("transport error")
	ErrAuth               = errors.New("authentication failed")
	ErrVersionOutOfDate   = errors.New("server data is newer than this engine")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrBackoff            = errors.New("server requested backoff")
)

// MalformedRecordError marks a record that could not be decrypted or
// decoded. It is skipped, never fatal to a batch.
type MalformedRecordError struct {
	ID  string
	Err error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %s: %v", e.ID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// TransportError wraps a network failure or timeout of one remote call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// BackoffError carries a server-requested minimum wait before the next sync.
type BackoffError struct {
	Wait time.Duration
	Err  error
}

func (e *BackoffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server requested backoff of %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("server requested backoff of %s", e.Wait)
}

func (e *BackoffError) Unwrap() error { return e.Err }

func (e *BackoffError) Is(target error) bool { return target == ErrBackoff }

type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindNotModified
	KindPreconditionFailed
	KindMethodNotAllowed
	KindMalformedRecord
	KindTransport
	KindAuth
	KindVersionOutOfDate
	KindSyncInProgress
	KindBackoff
	KindCanceled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindNotModified:
		return "not_modified"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindMalformedRecord:
		return "malformed_record"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindVersionOutOfDate:
		return "version_out_of_date"
	case KindSyncInProgress:
		return "sync_in_progress"
	case KindBackoff:
		return "backoff"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Classify maps err onto the error taxonomy. Auth and backoff take
// precedence over the transport failure they may wrap.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrBackoff):
		return KindBackoff
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	case errors.Is(err, ErrVersionOutOfDate):
		return KindVersionOutOfDate
	case errors.Is(err, ErrSyncInProgress):
		return KindSyncInProgress
	case errors.Is(err, ErrMethodNotAllowed):
		return KindMethodNotAllowed
	case errors.Is(err, ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotModified):
		return KindNotModified
	case errors.Is(err, ErrMalformedRecord):
		return KindMalformedRecord
	default:
		return KindOther
	}
}
