// Package errors provides error handling for leadpulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details rendered by the CLI on fatal errors
//   - Marks for classifying errors across wrapping layers
//
// Usage:
//
//	if err := repo.FetchQualifiedLeads(ctx); err != nil {
//	    return errors.Wrap(err, "failed to fetch qualified leads")
//	}
//
//	return errors.WithHint(err, "check database.path in leadpulse.toml")
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Classification
var (
	Mark = crdb.Mark
)

// Common sentinel errors for use across leadpulse.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the input was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrAlreadyExists indicates a record with the same id is already stored
	ErrAlreadyExists = New("already exists")

	// ErrSystemic marks a failure that aborts a whole run (data source
	// unavailable, panic escaping an item boundary)
	ErrSystemic = New("systemic failure")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsAlreadyExistsError checks if an error is or wraps ErrAlreadyExists.
func IsAlreadyExistsError(err error) bool {
	return err != nil && Is(err, ErrAlreadyExists)
}

// Systemic marks err as a run-aborting failure while keeping its message.
func Systemic(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrSystemic)
}

// IsSystemic reports whether err was marked by Systemic.
func IsSystemic(err error) bool {
	return err != nil && Is(err, ErrSystemic)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
