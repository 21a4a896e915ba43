// Package certificate models an issued certificate bundle: the PEM chain
// returned by the CA paired with the certificate-specific private key, plus
// the canonical domain-set fingerprint used as its storage key.
//
// Grounded on the teacher's acme/client/csr.go handling of PEM/DER
// encodings and crypto.Signer, generalized from CSR-only to full chain
// parsing via crypto/x509 (the same stdlib pairing the teacher uses).
package certificate

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Bundle is an immutable, fully parsed certificate chain plus its private
// key. Construct with ParseBundle.
type Bundle struct {
	// ChainPEM is the original PEM-encoded chain, leaf first.
	ChainPEM []byte
	// KeyPEM is the PKCS#8 PEM-encoded certificate private key.
	KeyPEM []byte

	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	PrivateKey    crypto.Signer
}

// ParseBundle splits chainPEM into its leaf and intermediate certificates and
// verifies the leaf's public key matches key.
func ParseBundle(chainPEM, keyPEM []byte, key crypto.Signer) (*Bundle, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certificate: parsing chain: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("certificate: no certificates found in chain PEM")
	}

	leaf := certs[0]
	if !publicKeysEqual(leaf.PublicKey, key.Public()) {
		return nil, fmt.Errorf("certificate: private key does not match leaf certificate public key")
	}

	return &Bundle{
		ChainPEM:      chainPEM,
		KeyPEM:        keyPEM,
		Leaf:          leaf,
		Intermediates: certs[1:],
		PrivateKey:    key,
	}, nil
}

// NotBefore returns the leaf certificate's validity start.
func (b *Bundle) NotBefore() time.Time { return b.Leaf.NotBefore }

// NotAfter returns the leaf certificate's validity end.
func (b *Bundle) NotAfter() time.Time { return b.Leaf.NotAfter }

// SerialNumber returns the leaf certificate's serial number.
func (b *Bundle) SerialNumber() *big.Int { return b.Leaf.SerialNumber }

// DNSNames returns the leaf certificate's SAN DNS names.
func (b *Bundle) DNSNames() []string { return b.Leaf.DNSNames }

// RenewalDue reports whether the bundle's remaining validity window is
// smaller than threshold, as of now.
func (b *Bundle) RenewalDue(now time.Time, threshold time.Duration) bool {
	return b.Leaf.NotAfter.Sub(now) < threshold
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(x crypto.PublicKey) bool }
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return false
}

// NormalizeIdentifier lowercases and Punycode-folds a DNS identifier,
// preserving a leading wildcard label ("*.") if present, since idna.Lookup
// does not accept "*" as a label.
func NormalizeIdentifier(identifier string) (string, error) {
	wildcard := strings.HasPrefix(identifier, "*.")
	name := identifier
	if wildcard {
		name = strings.TrimPrefix(identifier, "*.")
	}
	normalized, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("certificate: normalizing identifier %q: %w", identifier, err)
	}
	if wildcard {
		return "*." + normalized, nil
	}
	return normalized, nil
}

// DomainSetFingerprint computes the canonical key used to index a managed
// domain set in storage: identifiers normalized, sorted lexically, and
// joined by commas.
//
// See the persisted state layout: certs/{domain_set_fingerprint}/...
func DomainSetFingerprint(identifiers []string) (string, error) {
	if len(identifiers) == 0 {
		return "", fmt.Errorf("certificate: no identifiers given")
	}
	normalized := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		n, err := NormalizeIdentifier(id)
		if err != nil {
			return "", err
		}
		normalized = append(normalized, n)
	}
	sort.Strings(normalized)
	return strings.Join(normalized, ","), nil
}
