package emcache

import (
	"errors"
	"fmt"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
	"github.com/ArtemIsmagilov/emcache/protocol"
)

// Encoding and transport failures. Classify with errors.Is; wrapped
// errors carry the underlying cause.
var (
	// ErrInvalidKey: the key violates protocol limits (empty, over 250
	// bytes, or containing space/control characters). Never retried.
	ErrInvalidKey = protocol.ErrInvalidKey

	// ErrValueTooLarge: the value exceeds Config.MaxValueSize. Never
	// retried.
	ErrValueTooLarge = protocol.ErrValueTooLarge

	// ErrMalformed: wire corruption. The connection that produced it has
	// already been destroyed along with its pipeline.
	ErrMalformed = protocol.ErrMalformed

	// ErrConnectionLost: an I/O failure destroyed the connection with
	// the request in flight. Retried for idempotent operations.
	ErrConnectionLost = transport.ErrConnectionLost

	// ErrPoolSaturated: no connection capacity was available and the
	// pool is configured to fail fast. Retried for idempotent operations
	// against the next ring candidate.
	ErrPoolSaturated = transport.ErrPoolSaturated

	// ErrNoNodeAvailable: every ring candidate for the key is DOWN.
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrTimeout: the operation deadline expired. The request may still
	// complete on the server; its late response is discarded.
	ErrTimeout = errors.New("operation timed out")

	// ErrClientClosed: the client has been shut down.
	ErrClientClosed = errors.New("client closed")

	// ErrNotFound is returned by Increment/Decrement when the key does
	// not exist.
	ErrNotFound = errors.New("key not found")

	// ErrDeltaBadValue is returned by Increment/Decrement when the
	// stored value is not numeric. Not a transport failure, never
	// retried.
	ErrDeltaBadValue = errors.New("increment on non-numeric value")
)

// ServerError reports a protocol-level status the operation did not
// expect (out of memory, unknown command, ...). Routine statuses such as
// key-not-found or CAS-mismatch are surfaced as results, not as
// ServerError.
type ServerError struct {
	Status protocol.Status
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Status)
}
