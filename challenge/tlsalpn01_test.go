package challenge

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmed/acme/resources"
)

func TestTLSALPN01SolverSupports(t *testing.T) {
	s := NewTLSALPN01Solver(":0", nil)
	assert.True(t, s.Supports("tls-alpn-01", "example.com"))
	assert.False(t, s.Supports("http-01", "example.com"))
}

func TestSelfSignedACMECertEmbedsCriticalExtension(t *testing.T) {
	cert, err := selfSignedACMECert("example.com", "tok.thumb")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, parsed.DNSNames)

	digest := sha256.Sum256([]byte("tok.thumb"))
	wantValue, err := asn1.Marshal(digest[:])
	require.NoError(t, err)

	var found bool
	for _, ext := range parsed.Extensions {
		if ext.Id.Equal(idPeACMEIdentifier) {
			found = true
			assert.True(t, ext.Critical)
			assert.Equal(t, wantValue, ext.Value)
		}
	}
	assert.True(t, found, "id-pe-acmeIdentifier extension not present")
}

func TestTLSALPN01SolverSetupAndCleanup(t *testing.T) {
	s := NewTLSALPN01Solver("127.0.0.1:0", nil)
	chall := &resources.Challenge{Token: "tok"}

	require.NoError(t, s.Setup(nil, "example.com", chall, "tok.thumb"))
	assert.True(t, s.started)

	_, ok := s.certs.Load("example.com")
	assert.True(t, ok)

	require.NoError(t, s.Cleanup(nil, "example.com", chall))
	assert.False(t, s.started)
	_, ok = s.certs.Load("example.com")
	assert.False(t, ok)
}

func TestTLSALPN01SolverPollSelfReadyAlwaysTrue(t *testing.T) {
	s := NewTLSALPN01Solver(":0", nil)
	ready, err := s.PollSelfReady(nil, "example.com", &resources.Challenge{}, "anything")
	require.NoError(t, err)
	assert.True(t, ready)
}
