package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure. Clients always return a *Error;
// they never panic and never let raw transport errors escape.
type Kind string

const (
	KindTransport Kind = "transport" // network / DNS / TLS
	KindStatus    Kind = "status"    // non-2xx HTTP
	KindSchema    Kind = "schema"    // malformed or missing fields
	KindAnomaly   Kind = "anomaly"   // price outside plausibility band
	KindNoProxy   Kind = "no_proxy"  // empty active proxy pool
	KindDeadline  Kind = "deadline"  // per-call or per-token deadline
)

// Error wraps an upstream failure with its kind and origin.
type Error struct {
	Kind     Kind
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Upstream, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Upstream, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, upstream string, err error) *Error {
	return &Error{Kind: kind, Upstream: upstream, Err: err}
}

// Ef builds an *Error from a format string.
func Ef(kind Kind, upstream, format string, args ...any) *Error {
	return &Error{Kind: kind, Upstream: upstream, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindTransport.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransport
}
