// Package common defines shared constants, the client error taxonomy and
// small helpers used across famsync packages. Callers should use errors.Is
// to match the sentinel values and KindOf to branch on the error class.
package common

import "errors"

var (
	// Kind sentinels. A *Error matches the sentinel of its Kind via errors.Is.
	ErrValidation   = errors.New("validation error")
	ErrAuth         = errors.New("authentication error")
	ErrConnectivity = errors.New("connectivity error")
	ErrConflict     = errors.New("conflict")
	ErrBackend      = errors.New("backend error")

	// Configuration errors.
	ErrConfigMissing = errors.New("backend url and api key must be configured")

	// Session errors.
	ErrNoSession          = errors.New("no active session")
	ErrAlreadyRegistered  = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrRateLimited        = errors.New("too many requests, try again later")
	ErrCorruptCredential  = errors.New("stored credential is corrupt")

	// Membership errors.
	ErrNoGroup             = errors.New("not a member of any family")
	ErrInvalidCode         = errors.New("invalid family code")
	ErrAlreadyMember       = errors.New("already a member of this family")
	ErrAlreadyInOtherGroup = errors.New("already a member of another family")
	ErrNotAdmin            = errors.New("only a family admin can do this")

	// Transport errors.
	ErrTimeout             = errors.New("operation timed out")
	ErrAllTransportsFailed = errors.New("all transports failed")
)
