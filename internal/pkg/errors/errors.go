package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a unique-constraint conflict on insert.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict signals a compare-and-set rejected because another actor
	// already transitioned the row.
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownChannel signals a lookup against a channel the registry does
	// not know. Non-retriable.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrPathEscape signals an identifier or symlink resolution that would
	// leave the workspace root. Non-retriable.
	ErrPathEscape = errors.New("path escape")
	// ErrRateLimited signals an HTTP 429 from an external provider.
	ErrRateLimited = errors.New("rate limited")
)
