package renewal

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmed/certificate"
	"github.com/cpu/acmed/tasktracker"
)

func TestClassify(t *testing.T) {
	threshold := 30 * 24 * time.Hour
	tests := []struct {
		name      string
		remaining time.Duration
		want      Urgency
	}{
		{"expires in 1 hour", time.Hour, UrgencyUrgent},
		{"exactly 24h boundary", 24 * time.Hour, UrgencyUrgent},
		{"5 days left", 5 * 24 * time.Hour, UrgencyHigh},
		{"exactly 7 day boundary", 7 * 24 * time.Hour, UrgencyHigh},
		{"20 days left, under threshold", 20 * 24 * time.Hour, UrgencyNormal},
		{"well outside threshold", 60 * 24 * time.Hour, UrgencyLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.remaining, threshold))
		})
	}
}

func TestUrgencyPriorityMapping(t *testing.T) {
	assert.Equal(t, tasktracker.PriorityUrgent, UrgencyUrgent.Priority())
	assert.Equal(t, tasktracker.PriorityHigh, UrgencyHigh.Priority())
	assert.Equal(t, tasktracker.PriorityNormal, UrgencyNormal.Priority())
	assert.Equal(t, tasktracker.PriorityLow, UrgencyLow.Priority())
}

func TestConfigDefaulted(t *testing.T) {
	cfg := Config{}.defaulted()
	assert.Equal(t, time.Hour, cfg.WakeInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.RenewalThreshold)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Hour, cfg.RetryBaseInterval)
	assert.Equal(t, 24*time.Hour, cfg.RetryMaxInterval)
}

type fakeStore struct {
	mu     sync.Mutex
	certs  []ManagedCert
	failed []string
}

func (f *fakeStore) ManagedCerts(ctx context.Context) ([]ManagedCert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.certs, nil
}

func (f *fakeStore) MarkRenewalFailed(ctx context.Context, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, fingerprint)
	return nil
}

func bundleExpiringIn(d time.Duration) *certificate.Bundle {
	return &certificate.Bundle{
		Leaf: &x509.Certificate{NotAfter: time.Now().Add(d)},
	}
}

func TestRenewWithRetrySucceedsFirstAttempt(t *testing.T) {
	store := &fakeStore{}
	calls := 0
	renew := func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		calls++
		return bundleExpiringIn(90 * 24 * time.Hour), nil
	}
	s := New(store, nil, renew, Config{RetryBaseInterval: time.Millisecond, RetryMaxInterval: time.Millisecond}, nil)

	mc := ManagedCert{DomainSetFingerprint: "fp1", Identifiers: []string{"example.com"}}
	bundle, err := s.renewWithRetry(context.Background(), mc, func(string) {})
	require.NoError(t, err)
	assert.NotNil(t, bundle)
	assert.Equal(t, 1, calls)
	assert.Empty(t, store.failed)
}

func TestRenewWithRetryExhaustsAndMarksFailed(t *testing.T) {
	store := &fakeStore{}
	calls := 0
	wantErr := errors.New("ca unreachable")
	renew := func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		calls++
		return nil, wantErr
	}
	s := New(store, nil, renew, Config{
		MaxRetries:        2,
		RetryBaseInterval: time.Millisecond,
		RetryMaxInterval:  time.Millisecond,
	}, nil)

	mc := ManagedCert{DomainSetFingerprint: "fp2", Identifiers: []string{"example.com"}}
	_, err := s.renewWithRetry(context.Background(), mc, func(string) {})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"fp2"}, store.failed)
}

func TestRenewWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	store := &fakeStore{}
	calls := 0
	renew := func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return bundleExpiringIn(90 * 24 * time.Hour), nil
	}
	s := New(store, nil, renew, Config{
		MaxRetries:        3,
		RetryBaseInterval: time.Millisecond,
		RetryMaxInterval:  time.Millisecond,
	}, nil)

	mc := ManagedCert{DomainSetFingerprint: "fp3"}
	bundle, err := s.renewWithRetry(context.Background(), mc, func(string) {})
	require.NoError(t, err)
	assert.NotNil(t, bundle)
	assert.Equal(t, 2, calls)
	assert.Empty(t, store.failed)
}

func TestScanOnceSubmitsOnlyDueCertificates(t *testing.T) {
	store := &fakeStore{certs: []ManagedCert{
		{DomainSetFingerprint: "due", Identifiers: []string{"due.example.com"}, Bundle: bundleExpiringIn(24 * time.Hour)},
		{DomainSetFingerprint: "not-due", Identifiers: []string{"fresh.example.com"}, Bundle: bundleExpiringIn(90 * 24 * time.Hour)},
		{DomainSetFingerprint: "no-bundle", Bundle: nil},
	}}

	var mu sync.Mutex
	var renewed []string
	renew := func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		mu.Lock()
		renewed = append(renewed, identifiers...)
		mu.Unlock()
		return bundleExpiringIn(90 * 24 * time.Hour), nil
	}

	tr := tasktracker.New(context.Background(), tasktracker.Config{Workers: 2}, nil)
	s := New(store, tr, renew, Config{RetryBaseInterval: time.Millisecond, RetryMaxInterval: time.Millisecond}, nil)
	s.scanOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(renewed)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, renewed, 1)
	assert.Equal(t, "due.example.com", renewed[0])
}

func TestSubmitRenewalSkipsAlreadyInFlight(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	renew := func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		started <- struct{}{}
		<-release
		return bundleExpiringIn(90 * 24 * time.Hour), nil
	}

	tr := tasktracker.New(context.Background(), tasktracker.Config{Workers: 2}, nil)
	s := New(store, tr, renew, Config{RetryBaseInterval: time.Millisecond, RetryMaxInterval: time.Millisecond}, nil)

	mc := ManagedCert{DomainSetFingerprint: "dup"}
	s.submitRenewal(context.Background(), mc, UrgencyNormal)
	<-started
	s.submitRenewal(context.Background(), mc, UrgencyNormal)

	select {
	case <-started:
		t.Fatal("second submitRenewal for an in-flight domain set should not have run")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
}
