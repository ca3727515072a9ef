package util

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes
var (
	// ErrIO indicates a file could not be read or written
	ErrIO = errors.New("io error")

	// ErrTruncated indicates a file changed size while it was being read
	ErrTruncated = errors.New("file truncated during read")

	// ErrCorruptFile indicates a file is corrupt or undecodable
	ErrCorruptFile = errors.New("corrupt file")

	// ErrUnsupportedFormat indicates no reader exists for the file format
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEmbedding indicates the embedding service failed for an input
	ErrEmbedding = errors.New("embedding failed")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrBackupVerificationFailed indicates a staged copy does not match its source
	ErrBackupVerificationFailed = errors.New("backup verification failed")

	// ErrClosedTransaction indicates a write against a transaction that is not open
	ErrClosedTransaction = errors.New("transaction is closed")

	// ErrStaleRedo indicates the source changed between undo and redo
	ErrStaleRedo = errors.New("stale redo")

	// ErrIntegrity indicates the journal and the filesystem disagree
	ErrIntegrity = errors.New("integrity error")

	// ErrTransactionBusy indicates another transaction is already open
	ErrTransactionBusy = errors.New("another transaction is open")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// KindError tags an underlying cause with one of the sentinel kinds above.
// errors.Is matches both the kind and the cause.
type KindError struct {
	Kind error
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *KindError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapKind attaches kind to err for operation op
func WrapKind(kind error, op string, err error) error {
	return &KindError{Kind: kind, Op: op, Err: err}
}

// KindOf reports which sentinel kind err carries, or nil
func KindOf(err error) error {
	for _, kind := range []error{
		ErrTimeout, ErrTruncated, ErrCorruptFile, ErrUnsupportedFormat, ErrEmbedding,
		ErrBackupVerificationFailed, ErrClosedTransaction, ErrStaleRedo, ErrIntegrity,
		ErrTransactionBusy, ErrNotFound, ErrIO,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return nil
}
