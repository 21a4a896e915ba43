// Package storage defines the persistence collaborator contract used by the
// account manager and renewal scheduler, plus an in-memory reference
// implementation suitable for tests and single-process deployments.
//
// Persisted state layout (key -> value). The in-memory Store keeps the
// account entries in two fields and the certificate entries in one map keyed
// by domain_set_fingerprint, rather than under these literal keys:
//
//	account/key                                  -> PKCS#8/PEM account private key
//	account/url                                  -> Account URL string
//	certs/{domain_set_fingerprint}/cert.pem      -> PEM chain
//	certs/{domain_set_fingerprint}/key.pem       -> certificate private key
//	certs/{domain_set_fingerprint}/meta.json     -> CertMeta (not_before, not_after, serial,
//	                                                identifiers, renewal_failed, renewal_failures)
//
// Grounded on the teacher's acme/keys SignerToPEM/UnmarshalSigner pairing
// for key (de)serialization, generalized here from "one key the shell holds
// in memory" into a keyed store a production deployment would back with a
// real filesystem, object store, or KV service out of tree.
package storage

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cpu/acmed/acme/keys"
	"github.com/cpu/acmed/acmeproblem"
	"github.com/cpu/acmed/certificate"
	"github.com/cpu/acmed/renewal"
)

// CertMeta is the JSON shape persisted at certs/{fingerprint}/meta.json.
type CertMeta struct {
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	Serial          string    `json:"serial"`
	Identifiers     []string  `json:"identifiers"`
	RenewalFailed   bool      `json:"renewal_failed,omitempty"`
	RenewalFailures int       `json:"renewal_failures,omitempty"`
}

// Store is the persistence contract: account credentials plus one certificate
// bundle per managed domain set, keyed by its domain_set_fingerprint.
type Store interface {
	SaveAccountKey(ctx context.Context, signer crypto.Signer) error
	LoadAccountKey(ctx context.Context) (crypto.Signer, error)
	SaveAccountURL(ctx context.Context, url string) error
	LoadAccountURL(ctx context.Context) (string, error)

	SaveCertificate(ctx context.Context, fingerprint string, identifiers []string, bundle *certificate.Bundle) error
	LoadCertificate(ctx context.Context, fingerprint string) (*certificate.Bundle, error)
	ListCertificates(ctx context.Context) ([]string, error)

	MarkRenewalFailed(ctx context.Context, fingerprint string) error
}

// InMemory is a Store backed by an in-process map, guarded by a RWMutex (the
// same read/write split used by account.Manager). Safe for concurrent use.
// Satisfies renewal.Store via the ManagedCerts/MarkRenewalFailed adapter
// methods below.
type InMemory struct {
	mu sync.RWMutex

	accountKey crypto.Signer
	accountURL string

	certs map[string]*record
}

type record struct {
	bundle *certificate.Bundle
	meta   CertMeta
}

// NewInMemory constructs an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{certs: make(map[string]*record)}
}

func (s *InMemory) SaveAccountKey(ctx context.Context, signer crypto.Signer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountKey = signer
	return nil
}

func (s *InMemory) LoadAccountKey(ctx context.Context) (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accountKey == nil {
		return nil, acmeproblem.New(acmeproblem.KindStorage, "no account key persisted", nil)
	}
	return s.accountKey, nil
}

func (s *InMemory) SaveAccountURL(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountURL = url
	return nil
}

func (s *InMemory) LoadAccountURL(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accountURL == "" {
		return "", acmeproblem.New(acmeproblem.KindStorage, "no account URL persisted", nil)
	}
	return s.accountURL, nil
}

func (s *InMemory) SaveCertificate(ctx context.Context, fingerprint string, identifiers []string, bundle *certificate.Bundle) error {
	if fingerprint == "" {
		return acmeproblem.New(acmeproblem.KindStorage, "empty domain_set_fingerprint", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[fingerprint] = &record{
		bundle: bundle,
		meta: CertMeta{
			NotBefore:   bundle.NotBefore(),
			NotAfter:    bundle.NotAfter(),
			Serial:      bundle.SerialNumber().String(),
			Identifiers: identifiers,
		},
	}
	return nil
}

func (s *InMemory) LoadCertificate(ctx context.Context, fingerprint string) (*certificate.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.certs[fingerprint]
	if !ok {
		return nil, acmeproblem.New(acmeproblem.KindStorage,
			fmt.Sprintf("no certificate persisted for %q", fingerprint), nil)
	}
	return rec.bundle, nil
}

func (s *InMemory) ListCertificates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fingerprints := make([]string, 0, len(s.certs))
	for fp := range s.certs {
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, nil
}

func (s *InMemory) MarkRenewalFailed(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.certs[fingerprint]
	if !ok {
		return acmeproblem.New(acmeproblem.KindStorage,
			fmt.Sprintf("no certificate persisted for %q", fingerprint), nil)
	}
	rec.meta.RenewalFailed = true
	rec.meta.RenewalFailures++
	return nil
}

// ManagedCerts adapts the store to renewal.Store: the full list of managed
// domain sets together with their currently persisted bundle, for the
// scheduler's due-set computation.
func (s *InMemory) ManagedCerts(ctx context.Context) ([]renewal.ManagedCert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]renewal.ManagedCert, 0, len(s.certs))
	for fp, rec := range s.certs {
		out = append(out, renewal.ManagedCert{
			DomainSetFingerprint: fp,
			Identifiers:          rec.meta.Identifiers,
			Bundle:               rec.bundle,
		})
	}
	return out, nil
}

// Meta returns the persisted metadata record for fingerprint.
func (s *InMemory) Meta(ctx context.Context, fingerprint string) (CertMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.certs[fingerprint]
	if !ok {
		return CertMeta{}, acmeproblem.New(acmeproblem.KindStorage,
			fmt.Sprintf("no certificate persisted for %q", fingerprint), nil)
	}
	return rec.meta, nil
}

// MetaJSON renders fingerprint's metadata as the certs/{fingerprint}/meta.json
// wire shape.
func (s *InMemory) MetaJSON(ctx context.Context, fingerprint string) ([]byte, error) {
	meta, err := s.Meta(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(&meta, "", "  ")
}

// AccountKeyPEM renders signer as PKCS#8 PEM, the wire shape persisted at
// account/key.
func AccountKeyPEM(signer crypto.Signer) (string, error) {
	return keys.SignerToPEM(signer)
}
