// Package errors provides structured error handling for albumd.
//
// Every failure surfaced by a service carries a Kind so that the transport
// layer can map it to a status code and callers can decide whether a retry
// makes sense without string matching.
package errors

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindInvalidInput indicates a malformed request, unsupported format,
	// or a request with no usable fields.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindNotFound indicates an absent image, vector, task, or session id.
	KindNotFound Kind = "NOT_FOUND"
	// KindMisconfigured indicates a missing API key or an unreachable
	// backend discovered at startup.
	KindMisconfigured Kind = "MISCONFIGURED"
	// KindUnavailable indicates a remote provider that could not be reached
	// after retries were exhausted.
	KindUnavailable Kind = "UNAVAILABLE"
	// KindTimeout indicates a remote call that exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindRateLimited indicates a remote provider shedding load; retryable
	// with backoff.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindDimensionMismatch indicates a vector whose length does not match
	// the store's fixed dimension.
	KindDimensionMismatch Kind = "DIMENSION_MISMATCH"
	// KindCorruptPayload indicates a vector record whose payload could not
	// be decoded.
	KindCorruptPayload Kind = "CORRUPT_PAYLOAD"
	// KindNotConfirmed indicates a destructive workflow invoked without
	// confirmation.
	KindNotConfirmed Kind = "NOT_CONFIRMED"
	// KindEmptyInput indicates a batch workflow invoked with no items.
	KindEmptyInput Kind = "EMPTY_INPUT"
	// KindInternal covers everything else; always logged with context.
	KindInternal Kind = "INTERNAL"
)

// retryableKinds are the kinds for which a backed-off retry may succeed.
var retryableKinds = map[Kind]bool{
	KindUnavailable: true,
	KindTimeout:     true,
	KindRateLimited: true,
}

// clientKinds are the kinds caused by the caller rather than the system.
var clientKinds = map[Kind]bool{
	KindInvalidInput: true,
	KindNotFound:     true,
	KindNotConfirmed: true,
	KindEmptyInput:   true,
}

// IsClientKind reports whether k maps to a client-error response at the
// transport boundary.
func IsClientKind(k Kind) bool {
	return clientKinds[k]
}
