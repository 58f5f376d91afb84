package model

import "errors"

// Error taxonomy shared by the engine packages.
//
// ErrConfig and ErrOutOfOrder abort the call that raised them and are
// surfaced to the caller synchronously. ErrNotFound is a recoverable
// lookup failure. Missing indicator values are not errors at all: they
// are reported as (value, false) pairs by the indicator snapshots.
var (
	// ErrConfig marks an invalid setup value (ask < bid, non-positive
	// bucket width, duplicate refs, inverted open periods, ...).
	ErrConfig = errors.New("invalid configuration")

	// ErrOutOfOrder marks an observation older than the last one a
	// session has accepted.
	ErrOutOfOrder = errors.New("observation out of order")

	// ErrNotFound marks a lookup by unknown reference string.
	ErrNotFound = errors.New("not found")

	// ErrDispatchStarted marks an attachment attempted after the first
	// observation was dispatched. Attachment is a setup-phase operation.
	ErrDispatchStarted = errors.New("dispatch already started")
)
