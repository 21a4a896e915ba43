package acmeproblem

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"detail wins", New(KindProtocol, "explicit detail", errors.New("cause")), "explicit detail"},
		{"falls back to cause", &Error{Kind: KindCrypto, Cause: errors.New("boom")}, "crypto: boom"},
		{"falls back to kind", &Error{Kind: KindOverloaded}, "overloaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(KindTransport, "", cause)
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestWithHelpers(t *testing.T) {
	err := New(KindRateLimited, "too fast", nil).WithIdentifier("example.com").WithRetryAfter(30)
	assert.Equal(t, "example.com", err.Identifier)
	assert.Equal(t, 30, err.RetryAfter)
}

func TestAsWalksWrappedErrors(t *testing.T) {
	inner := New(KindBadNonce, "bad nonce", nil)
	wrapped := fmt.Errorf("request failed: %w", inner)

	var target *Error
	require.True(t, As(wrapped, &target))
	assert.Equal(t, KindBadNonce, target.Kind)

	target = nil
	assert.False(t, As(errors.New("plain"), &target))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadNonce, http.StatusBadRequest},
		{KindEabRequired, http.StatusForbidden},
		{KindAccountNotFound, http.StatusNotFound},
		{KindOverloaded, http.StatusServiceUnavailable},
		{KindChallengeFailed, 422},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.HTTPStatus(), "kind %q", tt.kind)
	}
}

func TestToDocumentIncludesSubproblemOnlyForChallengeFailed(t *testing.T) {
	challErr := New(KindChallengeFailed, "challenge failed", nil).WithIdentifier("example.com")
	doc := challErr.ToDocument()
	require.Len(t, doc.Subproblems, 1)
	assert.Equal(t, "example.com", doc.Subproblems[0].Identifier)
	assert.Equal(t, 422, doc.Status)

	protoErr := New(KindProtocol, "bad request to CA", nil).WithIdentifier("example.com")
	doc = protoErr.ToDocument()
	assert.Empty(t, doc.Subproblems)
}

func TestTypeURNsForACMEMappedKinds(t *testing.T) {
	assert.Equal(t, "urn:ietf:params:acme:error:badNonce", KindBadNonce.Type())
	assert.Equal(t, "about:blank", KindStorage.Type())
}
