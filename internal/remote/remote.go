// Package remote classifies outcomes of cloud calls so loops can branch on
// kind instead of parsing errors: transient failures retry on the next
// pass, missing auth aborts the pass, denied auth silently disables the
// optional feature.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the outcome class of a remote call.
type Kind int

const (
	OK Kind = iota
	Transient
	AuthMissing
	AuthDenied
	Permanent
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case AuthMissing:
		return "auth_missing"
	case AuthDenied:
		return "auth_denied"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error carries the outcome kind alongside the underlying cause.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for network errors
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, defaulting to Transient for plain
// errors (network failures retry).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Transient
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(status int, err error) *Error {
	kind := Transient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = AuthDenied
	case status >= 400 && status < 500:
		kind = Permanent
	}
	return &Error{Kind: kind, Status: status, Err: err}
}

// MissingAuth builds an AuthMissing error.
func MissingAuth(what string) *Error {
	return &Error{Kind: AuthMissing, Err: errors.New(what + " unavailable")}
}
