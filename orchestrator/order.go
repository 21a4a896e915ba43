// Package orchestrator drives a single Order through its full ACME
// lifecycle: creation, authorization (challenge selection, solver setup,
// polling), finalization, and certificate download, producing a
// certificate.Bundle.
//
// Grounded on the teacher's shell-driven order flow (the sequence of
// CreateOrder / AuthzByIdentifier / RespondChallenge / Finalize calls a user
// would previously type one command at a time into acmeshell), rewritten as
// a single automated state machine per the core's design, using
// github.com/cenkalti/backoff/v4 for authorization and order polling in
// place of the teacher's manual "poll" shell command.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acme"
	"github.com/cpu/acmed/acme/client"
	"github.com/cpu/acmed/acme/keys"
	"github.com/cpu/acmed/acme/resources"
	"github.com/cpu/acmed/acmeproblem"
	"github.com/cpu/acmed/certificate"
	"github.com/cpu/acmed/challenge"
)

// defaultChallengePriority is the tie-break order applied when more than one
// registered solver could service an authorization: DNS-01 beats
// TLS-ALPN-01 beats HTTP-01.
var defaultChallengePriority = []string{
	acme.ChallengeDNS01,
	acme.ChallengeTLSALPN01,
	acme.ChallengeHTTP01,
}

// Config tunes the orchestrator's polling and key selection behavior.
type Config struct {
	// AuthPollInitialInterval is the first authorization/order poll delay.
	AuthPollInitialInterval time.Duration
	// AuthPollMaxInterval caps the exponential backoff between polls.
	AuthPollMaxInterval time.Duration
	// AuthPollTimeout bounds the wall-clock time spent polling a single
	// authorization, or the order itself, before the run fails.
	AuthPollTimeout time.Duration
	// CertKeyType is the key algorithm generated for the certificate CSR at
	// the finalize step.
	CertKeyType keys.KeyType
	// ChallengePriority overrides the default DNS-01 > TLS-ALPN-01 > HTTP-01
	// tie-break order used when selecting a challenge for an authorization.
	ChallengePriority []string
}

// defaulted returns a copy of cfg with zero-valued fields replaced by
// defaults.
func (cfg Config) defaulted() Config {
	if cfg.AuthPollInitialInterval <= 0 {
		cfg.AuthPollInitialInterval = 2 * time.Second
	}
	if cfg.AuthPollMaxInterval <= 0 {
		cfg.AuthPollMaxInterval = 30 * time.Second
	}
	if cfg.AuthPollTimeout <= 0 {
		cfg.AuthPollTimeout = 5 * time.Minute
	}
	if cfg.CertKeyType == "" {
		cfg.CertKeyType = keys.KeyTypeECDSAP256
	}
	if len(cfg.ChallengePriority) == 0 {
		cfg.ChallengePriority = defaultChallengePriority
	}
	return cfg
}

// Orchestrator runs Orders to completion against an ACME client, using a
// challenge.Registry to satisfy authorizations.
type Orchestrator struct {
	client  *client.Client
	solvers *challenge.Registry
	cfg     Config
	log     *logrus.Entry
}

// New builds an Orchestrator. cfg is defaulted where zero-valued.
func New(c *client.Client, solvers *challenge.Registry, cfg Config, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		client:  c,
		solvers: solvers,
		cfg:     cfg.defaulted(),
		log:     log.WithField("component", "order-orchestrator"),
	}
}

// setupRecord remembers one solver Setup call so Cleanup can be invoked in
// reverse order on every exit path.
type setupRecord struct {
	solver     challenge.Solver
	identifier string
	chall      *resources.Challenge
}

// Run creates a brand new Order for identifiers and drives it to a
// downloaded, bundled certificate.
func (o *Orchestrator) Run(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
	if len(identifiers) == 0 {
		return nil, acmeproblem.New(acmeproblem.KindProtocol, "order must include at least one identifier", nil)
	}
	normalized := make([]resources.Identifier, 0, len(identifiers))
	for _, id := range identifiers {
		n, err := certificate.NormalizeIdentifier(id)
		if err != nil {
			return nil, acmeproblem.New(acmeproblem.KindProtocol, "normalizing identifier", err)
		}
		normalized = append(normalized, resources.Identifier{Type: "dns", Value: n})
	}
	order := &resources.Order{Identifiers: normalized}
	return o.RunOrder(ctx, order)
}

// RunOrder drives order, an Order that may already exist (e.g. restored from
// storage after a crash), to completion. Idempotent: an order already
// `valid` with a populated Certificate URL fast-forwards straight to
// download; one `valid` with no Certificate URL fast-forwards to polling.
func (o *Orchestrator) RunOrder(ctx context.Context, order *resources.Order) (*certificate.Bundle, error) {
	if len(order.Identifiers) == 0 {
		return nil, acmeproblem.New(acmeproblem.KindProtocol, "order must include at least one identifier", nil)
	}

	log := o.log
	var setups []setupRecord
	defer func() { o.cleanupAll(setups) }()

	if order.ID == "" {
		if err := o.retryOnBadNonce(func() error { return o.client.CreateOrder(ctx, order) }); err != nil {
			return nil, acmeproblem.New(acmeproblem.KindProtocol, "creating order", err)
		}
		log = log.WithField("order", order.ID)
		log.Info("order created")
	} else {
		if err := o.client.UpdateOrder(ctx, order); err != nil {
			return nil, acmeproblem.New(acmeproblem.KindProtocol, "refreshing existing order", err)
		}
		log = log.WithField("order", order.ID)
	}

	if order.Status == acme.OrderValid && order.Certificate != "" {
		log.Info("order already valid, fast-forwarding to download")
		return o.downloadAndBundle(ctx, order)
	}

	// A prior run may have been cancelled or crashed after finalize was
	// already submitted (order now `processing`) or after the CA marked the
	// order `valid` but before a certificate URL was observed. Resuming must
	// not re-enter authorization or finalize in either case (finalize is not
	// idempotent on the CA side) — only continue polling for the terminal
	// status and then download.
	if order.Status == acme.OrderProcessing || order.Status == acme.OrderValid {
		log.Info("order already finalized, resuming poll for certificate")
		if err := o.pollOrder(ctx, order); err != nil {
			return nil, err
		}
		if order.Status != acme.OrderValid {
			return nil, acmeproblem.New(acmeproblem.KindProtocol,
				fmt.Sprintf("order finished polling in unexpected status %q", order.Status), nil)
		}
		return o.downloadAndBundle(ctx, order)
	}

	if order.Status != acme.OrderReady {
		var err error
		setups, err = o.authorizeAll(ctx, order)
		if err != nil {
			return nil, err
		}
		if err := o.pollOrder(ctx, order); err != nil {
			return nil, err
		}
	}

	if order.Status == acme.OrderReady {
		if err := o.finalize(ctx, order); err != nil {
			return nil, err
		}
		if err := o.pollOrder(ctx, order); err != nil {
			return nil, err
		}
		if order.Status != acme.OrderValid {
			return nil, acmeproblem.New(acmeproblem.KindProtocol,
				fmt.Sprintf("order finished polling in unexpected status %q", order.Status), nil)
		}
		return o.downloadAndBundle(ctx, order)
	}

	return nil, acmeproblem.New(acmeproblem.KindProtocol,
		fmt.Sprintf("order in unhandled status %q after authorization", order.Status), nil)
}

// authorizeAll walks every not-yet-valid authorization, selects and sets up a
// challenge solver, and signals readiness to the CA. Returns the solver
// setup records in setup order, for reverse-order cleanup.
func (o *Orchestrator) authorizeAll(ctx context.Context, order *resources.Order) ([]setupRecord, error) {
	var setups []setupRecord
	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{ID: authzURL}
		if err := o.client.UpdateAuthz(ctx, authz); err != nil {
			return setups, acmeproblem.New(acmeproblem.KindProtocol, "fetching authorization", err)
		}
		if authz.Status == acme.AuthzValid {
			continue
		}
		if authz.Status != acme.AuthzPending {
			return setups, acmeproblem.New(acmeproblem.KindChallengeFailed,
				fmt.Sprintf("authorization for %q in unexpected status %q", authz.Identifier.Value, authz.Status), nil).
				WithIdentifier(authz.Identifier.Value)
		}

		identifier := authz.Identifier.Value
		if authz.Wildcard {
			identifier = "*." + identifier
		}

		chall, solver, err := o.selectChallenge(identifier, authz.Challenges)
		if err != nil {
			return setups, acmeproblem.New(acmeproblem.KindNoSolver,
				fmt.Sprintf("no solver for authorization %q", identifier), err).WithIdentifier(identifier)
		}

		keyAuth := keys.KeyAuth(o.client.ActiveAccount.Signer, chall.Token)
		if err := solver.Setup(ctx, identifier, chall, keyAuth); err != nil {
			return setups, acmeproblem.New(acmeproblem.KindChallengeFailed,
				"solver setup failed", err).WithIdentifier(identifier)
		}
		setups = append(setups, setupRecord{solver: solver, identifier: identifier, chall: chall})

		ready, err := solver.PollSelfReady(ctx, identifier, chall, keyAuth)
		if err != nil {
			return setups, acmeproblem.New(acmeproblem.KindChallengeFailed,
				"solver readiness check failed", err).WithIdentifier(identifier)
		}
		if !ready {
			return setups, acmeproblem.New(acmeproblem.KindChallengeFailed,
				"solver evidence never became locally visible", nil).WithIdentifier(identifier)
		}

		if err := o.retryOnBadNonce(func() error {
			_, respErr := o.respondChallenge(ctx, chall)
			return respErr
		}); err != nil {
			return setups, acmeproblem.New(acmeproblem.KindChallengeFailed,
				"notifying CA of challenge readiness", err).WithIdentifier(identifier)
		}

		if err := o.pollAuthorization(ctx, authz); err != nil {
			return setups, err
		}
	}
	return setups, nil
}

func (o *Orchestrator) respondChallenge(ctx context.Context, chall *resources.Challenge) (*resources.Challenge, error) {
	return chall, o.client.RespondChallenge(ctx, chall)
}

// selectChallenge applies the challenge selection policy: for each type in
// priority order, if the authorization offers it and a registered solver
// supports (type, identifier), that challenge is chosen.
func (o *Orchestrator) selectChallenge(identifier string, offered []resources.Challenge) (*resources.Challenge, challenge.Solver, error) {
	for _, wantType := range o.cfg.ChallengePriority {
		for i := range offered {
			c := &offered[i]
			if c.Type != wantType {
				continue
			}
			solver, err := o.solvers.Lookup(c.Type, identifier)
			if err != nil {
				continue
			}
			return c, solver, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: offered types %v", challenge.ErrNoSolver, challengeTypes(offered))
}

func challengeTypes(challs []resources.Challenge) []string {
	types := make([]string, len(challs))
	for i, c := range challs {
		types[i] = c.Type
	}
	return types
}

// pollAuthorization polls authz with exponential backoff until it reaches a
// terminal status or the per-authorization timeout elapses.
func (o *Orchestrator) pollAuthorization(ctx context.Context, authz *resources.Authorization) error {
	bo := o.newPollBackoff(ctx)
	return backoff.Retry(func() error {
		if err := o.client.UpdateAuthz(ctx, authz); err != nil {
			return acmeproblem.New(acmeproblem.KindProtocol, "polling authorization", err)
		}
		switch authz.Status {
		case acme.AuthzValid:
			return nil
		case acme.AuthzInvalid, acme.AuthzExpired, acme.AuthzRevoked, acme.AuthzDeactivated:
			return backoff.Permanent(acmeproblem.New(acmeproblem.KindChallengeFailed,
				fmt.Sprintf("authorization for %q reached terminal status %q", authz.Identifier.Value, authz.Status), nil).
				WithIdentifier(authz.Identifier.Value))
		default:
			return fmt.Errorf("authorization for %q still %q", authz.Identifier.Value, authz.Status)
		}
	}, bo)
}

// pollOrder polls order with exponential backoff until it reaches `ready`,
// `valid`, or `invalid`, or the timeout elapses.
func (o *Orchestrator) pollOrder(ctx context.Context, order *resources.Order) error {
	if order.Status == acme.OrderReady || order.Status == acme.OrderInvalid {
		return nil
	}
	// A `valid` order without a populated certificate URL is not actually
	// terminal from the caller's perspective (see RunOrder's resume branch
	// for a `valid` order that crashed before observing the URL) — keep
	// polling until the certificate URL shows up alongside it.
	if order.Status == acme.OrderValid && order.Certificate != "" {
		return nil
	}
	bo := o.newPollBackoff(ctx)
	return backoff.Retry(func() error {
		if err := o.client.UpdateOrder(ctx, order); err != nil {
			return acmeproblem.New(acmeproblem.KindProtocol, "polling order", err)
		}
		switch order.Status {
		case acme.OrderReady:
			return nil
		case acme.OrderValid:
			if order.Certificate != "" {
				return nil
			}
			return fmt.Errorf("order valid but certificate URL not yet populated")
		case acme.OrderInvalid:
			return backoff.Permanent(acmeproblem.New(acmeproblem.KindProtocol,
				"order reached terminal status invalid", nil))
		default:
			return fmt.Errorf("order still %q", order.Status)
		}
	}, bo)
}

func (o *Orchestrator) newPollBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.AuthPollInitialInterval
	eb.MaxInterval = o.cfg.AuthPollMaxInterval
	eb.Multiplier = 1.5
	eb.MaxElapsedTime = o.cfg.AuthPollTimeout
	return backoff.WithContext(eb, ctx)
}

// certKeyID derives the stable key under which an order's certificate key
// pair is stored in the client's key store, so finalize and download agree
// on the same key. The key store is in memory only, so the key does not
// survive a process restart.
func certKeyID(order *resources.Order) string {
	return fmt.Sprintf("order:%s", order.ID)
}

// finalize generates a fresh certificate key pair and CSR covering every
// order identifier, then POSTs it to the order's finalize URL.
func (o *Orchestrator) finalize(ctx context.Context, order *resources.Order) error {
	names := make([]string, len(order.Identifiers))
	for i, id := range order.Identifiers {
		names[i] = id.Value
	}
	b64CSR, _, err := o.client.CSR("", names, certKeyID(order), o.cfg.CertKeyType)
	if err != nil {
		return acmeproblem.New(acmeproblem.KindCrypto, "building finalize CSR", err)
	}
	if err := o.retryOnBadNonce(func() error {
		return o.client.Finalize(ctx, order, b64CSR)
	}); err != nil {
		return acmeproblem.New(acmeproblem.KindProtocol, "finalizing order", err)
	}
	return nil
}

func (o *Orchestrator) downloadAndBundle(ctx context.Context, order *resources.Order) (*certificate.Bundle, error) {
	if order.Certificate == "" {
		return nil, acmeproblem.New(acmeproblem.KindProtocol, "order has no certificate URL", nil)
	}
	chainPEM, err := o.client.DownloadCertificate(ctx, order.Certificate)
	if err != nil {
		return nil, acmeproblem.New(acmeproblem.KindProtocol, "downloading certificate", err)
	}
	certKey, ok := o.client.Keys[certKeyID(order)]
	if !ok {
		return nil, acmeproblem.New(acmeproblem.KindCrypto, "certificate key missing from key store", nil)
	}
	keyPEM, err := keys.SignerToPEM(certKey)
	if err != nil {
		return nil, acmeproblem.New(acmeproblem.KindCrypto, "encoding certificate key", err)
	}
	bundle, err := certificate.ParseBundle(chainPEM, []byte(keyPEM), certKey)
	if err != nil {
		return nil, acmeproblem.New(acmeproblem.KindCrypto, "parsing certificate bundle", err)
	}
	o.log.WithFields(logrus.Fields{
		"order":  order.ID,
		"serial": bundle.SerialNumber().String(),
	}).Info("order complete, certificate bundled")
	return bundle, nil
}

// cleanupAll invokes Cleanup for every recorded solver setup, in reverse
// order, logging (but not returning) individual failures so a cleanup error
// never masks the orchestration's primary outcome.
func (o *Orchestrator) cleanupAll(setups []setupRecord) {
	for i := len(setups) - 1; i >= 0; i-- {
		s := setups[i]
		if err := s.solver.Cleanup(context.Background(), s.identifier, s.chall); err != nil {
			o.log.WithError(err).WithField("identifier", s.identifier).Warn("solver cleanup failed")
		}
	}
}

// retryOnBadNonce retries fn exactly once if its error looks like an ACME
// badNonce rejection (an HTTP 400 response); the client's underlying nonce
// pool acquires a fresh nonce for the retried request automatically. More
// than one retry is never attempted: a second failure is returned as-is.
func (o *Orchestrator) retryOnBadNonce(fn func() error) error {
	err := fn()
	if err == nil || !looksLikeBadNonce(err) {
		return err
	}
	o.log.Debug("retrying request once after apparent bad nonce rejection")
	return fn()
}

func looksLikeBadNonce(err error) bool {
	return strings.Contains(err.Error(), "400") || strings.Contains(err.Error(), "badNonce")
}
