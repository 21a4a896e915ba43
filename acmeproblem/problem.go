// Package acmeproblem defines the core's internal error taxonomy (Kind) and
// its translation to RFC 7807 "problem+json" documents for the management
// API, per the error handling design: a tagged-union error type that wraps an
// underlying cause and carries a fixed Kind used uniformly for logging,
// retry policy, and HTTP status mapping.
package acmeproblem

import "net/http"

// Kind identifies one of the error categories the core can produce.
type Kind string

const (
	KindProtocol        Kind = "protocol"
	KindTransport       Kind = "transport"
	KindCrypto          Kind = "crypto"
	KindRateLimited     Kind = "rate_limited"
	KindBadNonce        Kind = "bad_nonce"
	KindChallengeFailed Kind = "challenge_failed"
	KindNoSolver        Kind = "no_solver"
	KindEabRequired     Kind = "eab_required"
	KindAccountNotFound Kind = "account_does_not_exist"
	KindUnauthorized    Kind = "unauthorized"
	KindCancelled       Kind = "cancelled"
	KindOverloaded      Kind = "overloaded"
	KindStorage         Kind = "storage"
)

// acmeErrorPrefix mirrors the namespace the ACME protocol itself uses for its own
// error URNs (urn:ietf:params:acme:error:*); the core's own problem types
// live under a distinct "about:blank"-style generic type except where an Kind
// maps directly onto one of those ACME errors.
const acmeErrorPrefix = "urn:ietf:params:acme:error:"

var problemType = map[Kind]string{
	KindProtocol:        "about:blank",
	KindTransport:       "about:blank",
	KindCrypto:          "about:blank",
	KindRateLimited:     acmeErrorPrefix + "rateLimited",
	KindBadNonce:        acmeErrorPrefix + "badNonce",
	KindChallengeFailed: "about:blank",
	KindNoSolver:        "about:blank",
	KindEabRequired:     acmeErrorPrefix + "externalAccountRequired",
	KindAccountNotFound: acmeErrorPrefix + "accountDoesNotExist",
	KindUnauthorized:    acmeErrorPrefix + "unauthorized",
	KindCancelled:       "about:blank",
	KindOverloaded:      "about:blank",
	KindStorage:         "about:blank",
}

// httpStatus maps each Kind to its HTTP status per the error handling design.
var httpStatus = map[Kind]int{
	KindProtocol:        http.StatusBadGateway,
	KindTransport:       http.StatusGatewayTimeout,
	KindCrypto:          http.StatusInternalServerError,
	KindRateLimited:     http.StatusTooManyRequests,
	KindBadNonce:        http.StatusBadRequest,
	KindChallengeFailed: 422, // WebDAV Unprocessable Entity, RFC 4918
	KindNoSolver:        http.StatusBadRequest,
	KindEabRequired:     http.StatusForbidden,
	KindAccountNotFound: http.StatusNotFound,
	KindUnauthorized:    http.StatusUnauthorized,
	KindCancelled:       499, // nginx convention: client closed request
	KindOverloaded:      http.StatusServiceUnavailable,
	KindStorage:         http.StatusInternalServerError,
}

// HTTPStatus returns the status code the management API should use for k.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Type returns the problem+json "type" URI for k.
func (k Kind) Type() string {
	if t, ok := problemType[k]; ok {
		return t
	}
	return "about:blank"
}

// Error is the core's internal error type: a Kind plus an optional wrapped
// cause, optional identifier context (for ChallengeFailed subproblems) and
// an optional Retry-After hint (for RateLimited/Overloaded).
type Error struct {
	Kind       Kind
	Detail     string
	Cause      error
	Identifier string
	RetryAfter int // seconds; 0 means unset
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind wrapping cause, with detail as the
// human-readable message.
func New(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// WithIdentifier attaches identifier context (used to build RFC 8555
// subproblems for ChallengeFailed) and returns the same *Error for chaining.
func (e *Error) WithIdentifier(identifier string) *Error {
	e.Identifier = identifier
	return e
}

// WithRetryAfter attaches a Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// As reports whether err (or anything it wraps) is an *Error, populating
// target the way errors.As would. Kept as a thin convenience so callers don't
// need to import errors just for this common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Document is the RFC 7807 problem+json wire shape returned by the
// management API.
type Document struct {
	Type        string       `json:"type"`
	Detail      string       `json:"detail,omitempty"`
	Status      int          `json:"status"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem names one identifier-scoped failure within a larger Document.
type Subproblem struct {
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// ToDocument renders e as the wire-level problem document.
func (e *Error) ToDocument() Document {
	doc := Document{
		Type:   e.Kind.Type(),
		Detail: e.Error(),
		Status: e.Kind.HTTPStatus(),
	}
	if e.Kind == KindChallengeFailed && e.Identifier != "" {
		doc.Subproblems = []Subproblem{{
			Type:       e.Kind.Type(),
			Detail:     e.Error(),
			Identifier: e.Identifier,
		}}
	}
	return doc
}
