package challenge

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmed/acme/resources"
)

func TestRecordNameStripsWildcardAndAddsPrefix(t *testing.T) {
	assert.Equal(t, dns.Fqdn("_acme-challenge.example.com"), recordName("example.com"))
	assert.Equal(t, dns.Fqdn("_acme-challenge.example.com"), recordName("*.example.com"))
}

func TestDigestValueMatchesRawSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("keyauth-value"))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, want, digestValue("keyauth-value"))
}

func TestDNS01SolverSupports(t *testing.T) {
	s := NewDNS01Solver("127.0.0.1:0", nil)
	assert.True(t, s.Supports("dns-01", "example.com"))
	assert.True(t, s.Supports("dns-01", "*.example.com"))
	assert.False(t, s.Supports("http-01", "example.com"))
}

func TestDNS01SolverSetupAndPollSelfReady(t *testing.T) {
	s := NewDNS01Solver("127.0.0.1:0", nil)
	chall := &resources.Challenge{Token: "tok"}

	require.NoError(t, s.Setup(nil, "example.com", chall, "tok.thumb"))
	defer s.Cleanup(nil, "example.com", chall)

	ready, err := s.PollSelfReady(nil, "example.com", chall, "tok.thumb")
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = s.PollSelfReady(nil, "example.com", chall, "wrong-keyauth")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestDNS01SolverPollSelfReadyFalseBeforeSetup(t *testing.T) {
	s := NewDNS01Solver("127.0.0.1:0", nil)
	ready, err := s.PollSelfReady(nil, "example.com", &resources.Challenge{}, "tok.thumb")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestDNS01SolverCleanupRemovesRecordAndClosesWhenEmpty(t *testing.T) {
	s := NewDNS01Solver("127.0.0.1:0", nil)
	chall := &resources.Challenge{Token: "tok"}
	require.NoError(t, s.Setup(nil, "example.com", chall, "tok.thumb"))
	assert.True(t, s.started)

	require.NoError(t, s.Cleanup(nil, "example.com", chall))
	assert.False(t, s.started)

	_, ok := s.records.Load(recordName("example.com"))
	assert.False(t, ok)
}
