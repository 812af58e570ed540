// Package apperr defines the error taxonomy shared by the session store, the
// vector index and the conversation core. Callers classify errors with
// errors.Is and errors.As; the HTTP and MCP layers map them to status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when creating a session whose id is taken.
	ErrDuplicate = errors.New("already exists")

	// ErrValidation is returned for malformed input such as empty text.
	ErrValidation = errors.New("invalid input")

	// ErrUpstreamUnavailable matches any UpstreamError caused by a network
	// failure or a provider outage.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrQuota matches any UpstreamError caused by rate limiting or quota
	// exhaustion.
	ErrQuota = errors.New("upstream quota exhausted")
)

// NotFound wraps ErrNotFound with the kind and id of the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Duplicate wraps ErrDuplicate with the kind and id of the colliding entity.
func Duplicate(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrDuplicate)
}

// Validation wraps ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// UpstreamKind distinguishes quota exhaustion from plain unavailability.
type UpstreamKind string

const (
	KindUnavailable UpstreamKind = "unavailable"
	KindQuota       UpstreamKind = "quota"
)

// Service names used in UpstreamError.
const (
	ServiceEmbedding  = "embedding"
	ServiceGeneration = "generation"
)

// UpstreamError reports a failure of the embedding or generation provider.
type UpstreamError struct {
	Service string
	Kind    UpstreamKind
	Status  int // HTTP status when known, 0 otherwise
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s service %s (HTTP %d): %v", e.Service, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s service %s: %v", e.Service, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets errors.Is match an UpstreamError against ErrQuota or
// ErrUpstreamUnavailable by kind.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrQuota:
		return e.Kind == KindQuota
	case ErrUpstreamUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// Unavailable builds an UpstreamError of kind KindUnavailable.
func Unavailable(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Kind: KindUnavailable, Err: err}
}

// Quota builds an UpstreamError of kind KindQuota.
func Quota(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Kind: KindQuota, Err: err}
}

// FromStatus classifies an unexpected HTTP status from a provider.
// 429 and 402 count as quota exhaustion, everything else as unavailability.
func FromStatus(service string, status int, err error) *UpstreamError {
	kind := KindUnavailable
	if status == 429 || status == 402 {
		kind = KindQuota
	}
	return &UpstreamError{Service: service, Kind: kind, Status: status, Err: err}
}

// IsUpstream reports whether err is any kind of UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
