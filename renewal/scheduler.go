// Package renewal implements the periodic renewal scheduler: it wakes on an
// interval, computes the set of managed certificates due for renewal,
// assigns each an urgency-derived priority, and submits a renewal task to
// the Task Tracker for each one — at most one in flight per domain set at a
// time.
//
// Grounded on the teacher's cmd.CatchSignals background-goroutine pattern
// (a ticker-driven loop gated by a context), generalized from a
// signal-handling loop into a periodic work-discovery loop, combined with
// github.com/cenkalti/backoff/v4 for the retry schedule the teacher's CLI
// commands never needed (interactive commands are retried by the operator,
// not automatically).
package renewal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acmeproblem"
	"github.com/cpu/acmed/certificate"
	"github.com/cpu/acmed/tasktracker"
)

// Urgency classifies how close a certificate is to expiry.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyUrgent
)

// Priority maps an Urgency onto the Task Tracker's priority scale.
func (u Urgency) Priority() tasktracker.Priority {
	switch u {
	case UrgencyUrgent:
		return tasktracker.PriorityUrgent
	case UrgencyHigh:
		return tasktracker.PriorityHigh
	case UrgencyNormal:
		return tasktracker.PriorityNormal
	default:
		return tasktracker.PriorityLow
	}
}

// classify assigns an Urgency from the remaining validity window.
func classify(remaining time.Duration, threshold time.Duration) Urgency {
	switch {
	case remaining <= 24*time.Hour:
		return UrgencyUrgent
	case remaining <= 7*24*time.Hour:
		return UrgencyHigh
	case remaining < threshold:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// ManagedCert is one entry in the scheduler's view of the managed domain
// set: its current bundle (if any) and the identifiers it covers.
type ManagedCert struct {
	DomainSetFingerprint string
	Identifiers          []string
	Bundle               *certificate.Bundle
}

// Store is the subset of the Storage interface (§6) the scheduler needs: the
// list of managed domain sets and their current certificates, plus a hook to
// record terminal renewal failure.
type Store interface {
	ManagedCerts(ctx context.Context) ([]ManagedCert, error)
	MarkRenewalFailed(ctx context.Context, domainSetFingerprint string) error
}

// RenewFunc performs one renewal attempt for the given identifiers and
// returns the resulting bundle. Supplied by the caller (typically backed by
// an orchestrator.Orchestrator.Run).
type RenewFunc func(ctx context.Context, identifiers []string) (*certificate.Bundle, error)

// Config tunes the scheduler's wake interval and renewal policy.
type Config struct {
	// WakeInterval is how often the scheduler scans for due certificates.
	WakeInterval time.Duration
	// RenewalThreshold is how long before expiry a certificate becomes due.
	RenewalThreshold time.Duration
	// MaxRetries caps the number of renewal attempts (the first one
	// included) for a failing renewal before it is marked renewal_failed.
	MaxRetries int
	// RetryBaseInterval and RetryMaxInterval bound the exponential backoff
	// applied between retries of a single failing renewal.
	RetryBaseInterval time.Duration
	RetryMaxInterval  time.Duration
}

func (cfg Config) defaulted() Config {
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = time.Hour
	}
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = 30 * 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseInterval <= 0 {
		cfg.RetryBaseInterval = time.Hour
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 24 * time.Hour
	}
	return cfg
}

// Scheduler periodically submits renewal tasks to a Task Tracker for
// certificates approaching expiry, never more than one per domain set
// concurrently.
type Scheduler struct {
	cfg     Config
	store   Store
	tracker *tasktracker.Tracker
	renew   RenewFunc
	log     *logrus.Entry

	inFlight sync.Map // domain_set_fingerprint -> true while a renewal runs
}

// New builds a Scheduler. cfg is defaulted where zero-valued.
func New(store Store, tracker *tasktracker.Tracker, renew RenewFunc, cfg Config, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cfg:     cfg.defaulted(),
		store:   store,
		tracker: tracker,
		renew:   renew,
		log:     log.WithField("component", "renewal-scheduler"),
	}
}

// Run blocks, waking every cfg.WakeInterval to scan for due certificates,
// until ctx is cancelled. A scan also runs immediately on entry so a
// restarted process catches up on renewals it missed while stopped.
func (s *Scheduler) Run(ctx context.Context) {
	s.scanOnce(ctx)
	ticker := time.NewTicker(s.cfg.WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce computes the due set and submits a renewal task for each,
// skipping any domain set with a renewal already in flight.
func (s *Scheduler) scanOnce(ctx context.Context) {
	certs, err := s.store.ManagedCerts(ctx)
	if err != nil {
		s.log.WithError(err).Error("listing managed certificates")
		return
	}

	now := time.Now()
	due := 0
	for _, mc := range certs {
		if mc.Bundle == nil {
			continue
		}
		remaining := mc.Bundle.NotAfter().Sub(now)
		if remaining >= s.cfg.RenewalThreshold {
			continue
		}
		due++
		s.submitRenewal(ctx, mc, classify(remaining, s.cfg.RenewalThreshold))
	}
	s.log.WithField("due", due).Debug("renewal scan complete")
}

// submitRenewal enqueues one renewal task for mc, unless one is already in
// flight for its domain set fingerprint.
func (s *Scheduler) submitRenewal(ctx context.Context, mc ManagedCert, urgency Urgency) {
	if _, alreadyQueued := s.inFlight.LoadOrStore(mc.DomainSetFingerprint, true); alreadyQueued {
		s.log.WithField("domain_set", mc.DomainSetFingerprint).Debug("renewal already in flight, skipping")
		return
	}

	taskID, err := s.tracker.Submit("renewal", urgency.Priority(), func(taskCtx context.Context, report func(string)) (interface{}, error) {
		defer s.inFlight.Delete(mc.DomainSetFingerprint)
		return s.renewWithRetry(taskCtx, mc, report)
	})
	if err != nil {
		s.inFlight.Delete(mc.DomainSetFingerprint)
		s.log.WithError(err).WithField("domain_set", mc.DomainSetFingerprint).Warn("submitting renewal task failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"domain_set": mc.DomainSetFingerprint,
		"task":       taskID,
		"urgency":    urgency,
	}).Info("renewal submitted")
}

// renewWithRetry attempts mc's renewal up to cfg.MaxRetries times with
// exponential backoff between attempts, marking the certificate
// renewal_failed in the store if every attempt is exhausted.
func (s *Scheduler) renewWithRetry(ctx context.Context, mc ManagedCert, report func(string)) (*certificate.Bundle, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryBaseInterval
	eb.MaxInterval = s.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		report(renewalAttemptLabel(attempt, s.cfg.MaxRetries))
		bundle, err := s.renew(ctx, mc.Identifiers)
		if err == nil {
			return bundle, nil
		}
		lastErr = err
		s.log.WithError(err).WithFields(logrus.Fields{
			"domain_set": mc.DomainSetFingerprint,
			"attempt":    attempt,
		}).Warn("renewal attempt failed")

		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(eb.NextBackOff()):
		}
	}

	if markErr := s.store.MarkRenewalFailed(ctx, mc.DomainSetFingerprint); markErr != nil {
		s.log.WithError(markErr).WithField("domain_set", mc.DomainSetFingerprint).Error("recording renewal_failed status")
	}
	return nil, acmeproblem.New(acmeproblem.KindProtocol,
		"renewal exhausted all retries", lastErr).WithIdentifier(mc.DomainSetFingerprint)
}

func renewalAttemptLabel(attempt, max int) string {
	if attempt == 1 {
		return "renewing"
	}
	return fmt.Sprintf("retrying renewal (%d/%d)", attempt, max)
}
