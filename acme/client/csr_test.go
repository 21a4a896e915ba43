package client

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmed/acme/keys"
)

func newTestClientForCSR() *Client {
	return &Client{Keys: map[string]crypto.Signer{}}
}

func TestCSRRejectsEmptyNames(t *testing.T) {
	c := newTestClientForCSR()
	_, _, err := c.CSR("", nil, "", keys.KeyTypeECDSAP256)
	require.Error(t, err)
}

func TestCSRDefaultsCommonNameToFirstName(t *testing.T) {
	c := newTestClientForCSR()
	_, pemCSR, err := c.CSR("", []string{"example.com", "www.example.com"}, "", keys.KeyTypeECDSAP256)
	require.NoError(t, err)

	parsed := parseCSR(t, pemCSR)
	assert.Equal(t, "example.com", parsed.Subject.CommonName)
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, parsed.DNSNames)
}

func TestCSRStoresGeneratedKeyUnderKeyID(t *testing.T) {
	c := newTestClientForCSR()
	_, _, err := c.CSR("example.com", []string{"example.com"}, "mykey", keys.KeyTypeECDSAP256)
	require.NoError(t, err)
	assert.Contains(t, c.Keys, "mykey")
}

func TestCSRStoresGeneratedKeyUnderJoinedNamesWhenKeyIDEmpty(t *testing.T) {
	c := newTestClientForCSR()
	_, _, err := c.CSR("example.com", []string{"example.com", "www.example.com"}, "", keys.KeyTypeECDSAP256)
	require.NoError(t, err)
	assert.Contains(t, c.Keys, "example.com,www.example.com")
}

func TestCSRReusesExistingKeyForKeyID(t *testing.T) {
	c := newTestClientForCSR()
	existing, err := keys.NewSigner(keys.KeyTypeECDSAP256)
	require.NoError(t, err)
	c.Keys["mykey"] = existing

	_, pemCSR, err := c.CSR("example.com", []string{"example.com"}, "mykey", keys.KeyTypeECDSAP256)
	require.NoError(t, err)

	parsed := parseCSR(t, pemCSR)
	assert.Equal(t, existing.Public(), parsed.PublicKey)
}

func parseCSR(t *testing.T, pemCSR PEMCSR) *x509.CertificateRequest {
	t.Helper()
	block, _ := pem.Decode([]byte(pemCSR))
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	return parsed
}
