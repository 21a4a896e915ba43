package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/cpu/acmed/acme/keys"
)

// PEMCSR is the PEM encoding of an x509 Certificate Signing Request.
type PEMCSR string

// B64CSR is the base64url encoding of an x509 Certificate Signing Request.
type B64CSR string

// CSR produces a CertificateSigningRequest for the provided commonName and
// SAN names. If keyID names an existing entry in c.Keys that key is reused
// (e.g. to re-finalize with the same certificate key); otherwise a fresh key
// of keyType is generated and stored under keyID (or, if keyID is empty,
// under the joined name list). Returns both the base64url and PEM encodings
// of the resulting CSR.
func (c *Client) CSR(commonName string, names []string, keyID string, keyType keys.KeyType) (B64CSR, PEMCSR, error) {
	if len(names) == 0 {
		return "", "", fmt.Errorf("no names specified")
	}
	if commonName == "" {
		commonName = names[0]
	}

	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: names,
	}

	var privateKey crypto.Signer
	if keyID != "" {
		privateKey = c.Keys[keyID]
	}
	if privateKey == nil {
		newKey, err := keys.NewSigner(keyType)
		if err != nil {
			return "", "", err
		}
		privateKey = newKey
		if keyID == "" {
			keyID = strings.Join(names, ",")
		}
		c.Keys[keyID] = privateKey
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, privateKey)
	if err != nil {
		return "", "", err
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrBytes})
	return B64CSR(base64.RawURLEncoding.EncodeToString(csrBytes)), PEMCSR(pemBytes), nil
}
