// Package errs collects the error kinds the core reports to embedding
// applications, per the propagation policy: the core never silently
// retries storage errors and always surfaces a typed cause.
package errs

import "errors"

var (
	// ErrNotFound means the CID is absent locally, and in the fetch
	// path also absent from every offered provider.
	ErrNotFound = errors.New("block not found")

	// ErrHashMismatch means a received block's bytes disagree with
	// its CID. The block is discarded and never inserted.
	ErrHashMismatch = errors.New("block hash mismatch")

	// ErrCodecError means the ReferenceExtractor could not parse a
	// block under its declared codec. The block is rejected on insert.
	ErrCodecError = errors.New("codec error")

	// ErrStorageError wraps an underlying KV engine failure. The
	// batch that surfaced it is always rolled back.
	ErrStorageError = errors.New("storage error")

	// ErrNetworkError marks an exchange failure: sync and fetch wrap it,
	// together with ErrNotFound, once a CID's fetch attempts are spent.
	// The DHT pass-throughs return the router's errors unwrapped.
	ErrNetworkError = errors.New("network error")

	// ErrCancelled means the operation was aborted by the caller
	// dropping its handle or context.
	ErrCancelled = errors.New("operation cancelled")
)
