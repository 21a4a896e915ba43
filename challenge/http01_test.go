package challenge

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmed/acme/resources"
)

func TestHTTP01SolverSupports(t *testing.T) {
	s := NewHTTP01Solver(":0", nil)
	assert.True(t, s.Supports("http-01", "example.com"))
	assert.False(t, s.Supports("http-01", "*.example.com"))
	assert.False(t, s.Supports("dns-01", "example.com"))
}

func TestHTTP01SolverSetupServesKeyAuthorization(t *testing.T) {
	s := NewHTTP01Solver("127.0.0.1:0", nil)
	chall := &resources.Challenge{Token: "tok123"}

	err := s.Setup(nil, "example.com", chall, "tok123.thumbprint")
	require.NoError(t, err)
	defer s.Cleanup(nil, "example.com", chall)

	req := httptest.NewRequest("GET", http01Path+"tok123", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "tok123.thumbprint", rec.Body.String())
}

func TestHTTP01SolverHandleUnknownTokenReturns404(t *testing.T) {
	s := NewHTTP01Solver(":0", nil)
	req := httptest.NewRequest("GET", http01Path+"nonexistent", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestHTTP01SolverCleanupClosesListenerWhenLastTokenRemoved(t *testing.T) {
	s := NewHTTP01Solver("127.0.0.1:0", nil)
	chall := &resources.Challenge{Token: "onlytoken"}

	require.NoError(t, s.Setup(nil, "example.com", chall, "onlytoken.thumb"))
	assert.True(t, s.started)

	require.NoError(t, s.Cleanup(nil, "example.com", chall))
	assert.False(t, s.started)
}

func TestHTTP01SolverCleanupKeepsListenerWhileTokensRemain(t *testing.T) {
	s := NewHTTP01Solver("127.0.0.1:0", nil)
	challA := &resources.Challenge{Token: "tokenA"}
	challB := &resources.Challenge{Token: "tokenB"}

	require.NoError(t, s.Setup(nil, "a.example.com", challA, "tokenA.thumb"))
	require.NoError(t, s.Setup(nil, "b.example.com", challB, "tokenB.thumb"))

	require.NoError(t, s.Cleanup(nil, "a.example.com", challA))
	assert.True(t, s.started)

	require.NoError(t, s.Cleanup(nil, "b.example.com", challB))
	assert.False(t, s.started)
}
