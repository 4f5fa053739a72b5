package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors shared by the ledger, the state machine, the worker and the share engine.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("permission denied")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyFinalized  = errors.New("reservation already finalized")
	ErrInvalidTarget     = errors.New("share link needs exactly one of file or folder")
	ErrExpired           = errors.New("share link expired")
	ErrLimitReached      = errors.New("share link access limit reached")
	ErrBadPassword       = errors.New("share link password mismatch")
	ErrScanFailed        = errors.New("scan failed")
	ErrDerivationFailed  = errors.New("derivation failed")
	ErrRetriesExhausted  = errors.New("processing retries exhausted")
	ErrRetentionElapsed  = errors.New("restore window elapsed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflict          = errors.New("record changed concurrently")
)

// Code is the stable reason code reported to clients.
type Code struct {
	Reason string
	Status int
}

var codeMap = []struct {
	err  error
	code Code
}{
	{ErrNotFound, Code{"not_found", http.StatusNotFound}},
	{ErrForbidden, Code{"forbidden", http.StatusForbidden}},
	{ErrQuotaExceeded, Code{"quota_exceeded", http.StatusInsufficientStorage}},
	{ErrInvalidTransition, Code{"invalid_transition", http.StatusConflict}},
	{ErrAlreadyFinalized, Code{"already_finalized", http.StatusConflict}},
	{ErrInvalidTarget, Code{"invalid_target", http.StatusBadRequest}},
	{ErrExpired, Code{"expired", http.StatusGone}},
	{ErrLimitReached, Code{"limit_reached", http.StatusForbidden}},
	{ErrBadPassword, Code{"bad_password", http.StatusUnauthorized}},
	{ErrScanFailed, Code{"scan_failed", http.StatusServiceUnavailable}},
	{ErrDerivationFailed, Code{"derivation_failed", http.StatusServiceUnavailable}},
	{ErrRetriesExhausted, Code{"retries_exhausted", http.StatusUnprocessableEntity}},
	{ErrRetentionElapsed, Code{"retention_elapsed", http.StatusGone}},
	{ErrInvalidArgument, Code{"invalid_argument", http.StatusBadRequest}},
	{ErrConflict, Code{"conflict", http.StatusConflict}},
}

var internalCode = Code{"internal", http.StatusInternalServerError}

// CodeOf maps err to its reason code; unknown errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return Code{"ok", http.StatusOK}
	}
	for _, entry := range codeMap {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return internalCode
}

// IsRecoverable reports whether the worker may retry after err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrScanFailed) || errors.Is(err, ErrDerivationFailed)
}

// Denied wraps a share-link denial so callers can read the reason.
type Denied struct {
	Reason error
}

func (d *Denied) Error() string {
	return fmt.Sprintf("share link denied: %v", d.Reason)
}

func (d *Denied) Unwrap() error {
	return d.Reason
}

// Deny builds a Denied error for one of ErrNotFound, ErrExpired, ErrLimitReached or ErrBadPassword.
func Deny(reason error) error {
	return &Denied{Reason: reason}
}
