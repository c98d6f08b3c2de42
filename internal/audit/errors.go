package audit

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEntry      = errors.New("invalid audit entry")
	ErrInvalidFilter     = errors.New("invalid audit filter")
	ErrInvalidErasure    = errors.New("invalid erasure request")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

type StorageOp string

const (
	StorageOpRead  StorageOp = "read"
	StorageOpWrite StorageOp = "write"
)

// StorageError wraps a failed durable read or write. The ledger logs it and
// keeps serving from memory; it is never returned from Record.
type StorageError struct {
	Op  StorageOp
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("audit storage %s failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
