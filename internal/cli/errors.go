package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/config"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

const (
	ExitCodeSuccess   = 0
	ExitCodeGeneric   = 1
	ExitCodeUsage     = 2
	ExitCodeIO        = 7
	ExitCodeIntegrity = 8
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

// errIntegrityViolation marks a verification that found unexplained
// violations.
var errIntegrityViolation = errors.New("audit chain integrity violation")

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, errIntegrityViolation):
		return asExitError(ExitCodeIntegrity, err)
	case errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, audit.ErrInvalidFilter),
		errors.Is(err, audit.ErrInvalidErasure),
		errors.Is(err, audit.ErrUnsupportedFormat),
		errors.Is(err, config.ErrInvalidConfig):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, storage.ErrSchemaTooNew),
		errors.Is(err, context.DeadlineExceeded):
		return asExitError(ExitCodeIO, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	var storageErr *audit.StorageError
	if errors.As(err, &storageErr) {
		return asExitError(ExitCodeIO, err)
	}

	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
