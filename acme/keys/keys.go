// Package keys offers utility functions for working with crypto.Signers, JWS,
// JWKs and PEM serialization.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// KeyType identifies one of the account/certificate key algorithms this
// package knows how to generate, sign with, and persist.
type KeyType string

const (
	KeyTypeEd25519  KeyType = "ed25519"
	KeyTypeECDSAP256 KeyType = "ecdsa-p256"
	KeyTypeECDSAP384 KeyType = "ecdsa-p384"
	KeyTypeRSA2048   KeyType = "rsa-2048"
	KeyTypeRSA4096   KeyType = "rsa-4096"
)

func sigAlgForKey(signer crypto.Signer) jose.SignatureAlgorithm {
	switch k := signer.(type) {
	case ed25519.PrivateKey:
		return jose.EdDSA
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P384():
			return jose.ES384
		default:
			return jose.ES256
		}
	case *rsa.PrivateKey:
		return jose.RS256
	}
	return "unknown"
}

func algForKey(signer crypto.Signer) string {
	switch signer.(type) {
	case ed25519.PrivateKey:
		return "OKP"
	case *ecdsa.PrivateKey:
		return "EC"
	case *rsa.PrivateKey:
		return "RSA"
	}
	return "unknown"
}

// JWKJSON renders the public JWK for signer as a JSON string. Returns the
// empty string if the key cannot be marshaled.
func JWKJSON(signer crypto.Signer) string {
	jwk := JWKForSigner(signer)
	jwkJSON, err := json.Marshal(&jwk)
	if err != nil {
		return ""
	}
	return string(jwkJSON)
}

// JWKThumbprintBytes computes the RFC 7638 JWK thumbprint of signer's public
// key using SHA-256.
func JWKThumbprintBytes(signer crypto.Signer) []byte {
	jwk := JWKForSigner(signer)
	thumbBytes, _ := jwk.Thumbprint(crypto.SHA256)
	return thumbBytes
}

// JWKThumbprint returns the base64url (no padding) encoded JWK thumbprint.
func JWKThumbprint(signer crypto.Signer) string {
	thumbprintBytes := JWKThumbprintBytes(signer)
	return base64.RawURLEncoding.EncodeToString(thumbprintBytes)
}

// KeyAuth computes the key authorization string for a challenge token:
// token + "." + thumbprint.
func KeyAuth(signer crypto.Signer, token string) string {
	return fmt.Sprintf("%s.%s", token, JWKThumbprint(signer))
}

// DNS01KeyAuthDigest returns the base64url (no padding) SHA-256 digest of the
// key authorization, as published in a DNS-01 TXT record.
func DNS01KeyAuthDigest(signer crypto.Signer, token string) string {
	sum := crypto.SHA256.New()
	sum.Write([]byte(KeyAuth(signer, token)))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: algForKey(signer),
	}
}

func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(sigAlgForKey(signer)),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: sigAlgForKey(signer),
	}
}

// MarshalSigner serializes signer to PKCS#8 DER bytes along with a string tag
// identifying its KeyType, for persistence.
func MarshalSigner(signer crypto.Signer) ([]byte, string, error) {
	keyType, err := typeOfSigner(signer)
	if err != nil {
		return nil, "", err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, "", err
	}
	return keyBytes, string(keyType), nil
}

// UnmarshalSigner parses PKCS#8 DER bytes produced by MarshalSigner back into
// a crypto.Signer. The keyType tag is not strictly required to decode (PKCS#8
// is self-describing) but is validated against the decoded key's own type.
func UnmarshalSigner(keyBytes []byte, keyType string) (crypto.Signer, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(keyBytes)
	if err != nil {
		return nil, err
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("keys: decoded key of type %T is not a crypto.Signer", parsed)
	}
	if got, err := typeOfSigner(signer); err == nil && keyType != "" && string(got) != keyType {
		return nil, fmt.Errorf("keys: key type mismatch: stored as %q, decoded as %q", keyType, got)
	}
	return signer, nil
}

// SignerToPEM renders signer as a PKCS#8 "PRIVATE KEY" PEM block.
func SignerToPEM(signer crypto.Signer) (string, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})
	return string(pemBytes), nil
}

func typeOfSigner(signer crypto.Signer) (KeyType, error) {
	switch k := signer.(type) {
	case ed25519.PrivateKey:
		return KeyTypeEd25519, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return KeyTypeECDSAP256, nil
		case elliptic.P384():
			return KeyTypeECDSAP384, nil
		default:
			return "", fmt.Errorf("keys: unsupported ECDSA curve %s", k.Curve.Params().Name)
		}
	case *rsa.PrivateKey:
		switch k.N.BitLen() {
		case 2048:
			return KeyTypeRSA2048, nil
		case 4096:
			return KeyTypeRSA4096, nil
		default:
			return "", fmt.Errorf("keys: unsupported RSA key size %d", k.N.BitLen())
		}
	default:
		return "", fmt.Errorf("keys: unknown signer type %T", k)
	}
}

// NewSigner generates a fresh key pair of the given type.
func NewSigner(keyType KeyType) (crypto.Signer, error) {
	switch keyType {
	case KeyTypeEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case KeyTypeECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case KeyTypeRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case KeyTypeRSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	default:
		return nil, fmt.Errorf("keys: unknown key type %q", keyType)
	}
}
