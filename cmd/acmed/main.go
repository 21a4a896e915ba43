// The acmed command runs a long-lived ACME client daemon: it registers or
// restores an account, provisions and renews certificates for a configured
// set of domains, and exposes a management HTTP API for submitting new
// orders, polling their progress, and revoking certificates.
//
// Flag parsing follows the teacher's acmeshell command in spirit (one flag
// per ClientConfig field) but uses github.com/spf13/cobra/pflag, the CLI
// library the rest of the example pack reaches for on a daemon-shaped
// command (a single persistent run, not an interactive REPL).
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cpu/acmed/account"
	"github.com/cpu/acmed/acme/client"
	"github.com/cpu/acmed/acme/resources"
	"github.com/cpu/acmed/api"
	"github.com/cpu/acmed/certificate"
	"github.com/cpu/acmed/challenge"
	"github.com/cpu/acmed/orchestrator"
	"github.com/cpu/acmed/renewal"
	"github.com/cpu/acmed/storage"
	"github.com/cpu/acmed/tasktracker"
)

type flags struct {
	directory    string
	caCert       string
	contact      string
	eabKeyID     string
	eabKey       string
	httpAddr     string
	tlsAddr      string
	dnsAddr      string
	apiAddr      string
	apiKey       string
	domains      []string
	workers      int
	maxPending   int
	renewalEvery time.Duration
	renewalDue   time.Duration
	logLevel     string
}

func main() {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "acmed",
		Short: "Run a long-lived ACME issuance and renewal daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.directory, "directory", "https://acme-v02.api.letsencrypt.org/directory", "ACME directory URL")
	cmd.Flags().StringVar(&f.caCert, "ca", "", "Optional PEM file of CA certificates trusted for the ACME server's HTTPS")
	cmd.Flags().StringVar(&f.contact, "contact", "", "Contact email for account registration")
	cmd.Flags().StringVar(&f.eabKeyID, "eab-kid", "", "External Account Binding key identifier")
	cmd.Flags().StringVar(&f.eabKey, "eab-key", "", "External Account Binding base64url MAC key")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", ":5002", "Listen address for the HTTP-01 challenge responder")
	cmd.Flags().StringVar(&f.tlsAddr, "tls-addr", ":5001", "Listen address for the TLS-ALPN-01 challenge responder")
	cmd.Flags().StringVar(&f.dnsAddr, "dns-addr", ":5053", "Listen address for the DNS-01 challenge responder")
	cmd.Flags().StringVar(&f.apiAddr, "api-addr", ":8080", "Listen address for the management API")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "Static X-API-Key value required by the management API (empty disables auth, for local dev only)")
	cmd.Flags().StringSliceVar(&f.domains, "domain", nil, "Domain to manage a certificate for; may be repeated")
	cmd.Flags().IntVar(&f.workers, "workers", 10, "Task tracker worker pool size")
	cmd.Flags().IntVar(&f.maxPending, "max-pending", 1000, "Task tracker admission threshold")
	cmd.Flags().DurationVar(&f.renewalEvery, "renewal-wake", time.Hour, "Renewal scheduler wake interval")
	cmd.Flags().DurationVar(&f.renewalDue, "renewal-threshold", 30*24*time.Hour, "Renewal due threshold before expiry")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Logging level (panic, fatal, error, warn, info, debug, trace)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	cmd.SetContext(ctx)

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("acmed exited with error")
	}
}

func run(ctx context.Context, f *flags) error {
	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(f.logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	store := storage.NewInMemory()

	acmeClient, err := client.NewClient(ctx, client.ClientConfig{
		DirectoryURL: f.directory,
		CACert:       f.caCert,
		ContactEmail: f.contact,
		AutoRegister: false,
		POSTAsGET:    true,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("building ACME client: %w", err)
	}

	mgr := account.New(acmeClient, entry)
	acct, err := restoreOrRegister(ctx, mgr, f)
	if err != nil {
		return fmt.Errorf("establishing ACME account: %w", err)
	}
	if err := store.SaveAccountKey(ctx, acct.Signer); err != nil {
		return fmt.Errorf("persisting account key: %w", err)
	}
	if err := store.SaveAccountURL(ctx, acct.ID); err != nil {
		return fmt.Errorf("persisting account URL: %w", err)
	}
	acmeClient.ActiveAccount = acct

	solvers := challenge.NewRegistry()
	solvers.Register(challenge.NewDNS01Solver(f.dnsAddr, entry), 30)
	solvers.Register(challenge.NewTLSALPN01Solver(f.tlsAddr, entry), 20)
	solvers.Register(challenge.NewHTTP01Solver(f.httpAddr, entry), 10)

	orch := orchestrator.New(acmeClient, solvers, orchestrator.Config{}, entry)

	tracker := tasktracker.New(ctx, tasktracker.Config{
		Workers:    f.workers,
		MaxPending: f.maxPending,
	}, entry)

	revoke := func(ctx context.Context, fingerprint string, reason int) error {
		bundle, err := store.LoadCertificate(ctx, fingerprint)
		if err != nil {
			return err
		}
		return acmeClient.RevokeCertificate(ctx, mgr.Account(), bundle.Leaf.Raw, bundle.PrivateKey, reason)
	}

	sched := renewal.New(store, tracker, func(ctx context.Context, identifiers []string) (*certificate.Bundle, error) {
		bundle, runErr := orch.Run(ctx, identifiers)
		if runErr != nil {
			return nil, runErr
		}
		fingerprint, fpErr := certificate.DomainSetFingerprint(identifiers)
		if fpErr != nil {
			return bundle, fpErr
		}
		return bundle, store.SaveCertificate(ctx, fingerprint, identifiers, bundle)
	}, renewal.Config{
		WakeInterval:     f.renewalEvery,
		RenewalThreshold: f.renewalDue,
	}, entry)

	if len(f.domains) > 0 {
		fingerprint, err := certificate.DomainSetFingerprint(f.domains)
		if err != nil {
			return fmt.Errorf("normalizing initial domain set: %w", err)
		}
		if _, err := store.LoadCertificate(ctx, fingerprint); err != nil {
			entry.WithField("domains", f.domains).Info("provisioning initial certificate")
			bundle, err := orch.Run(ctx, f.domains)
			if err != nil {
				return fmt.Errorf("initial provisioning failed: %w", err)
			}
			if err := store.SaveCertificate(ctx, fingerprint, f.domains, bundle); err != nil {
				return fmt.Errorf("persisting initial certificate: %w", err)
			}
		}
	}

	go sched.Run(ctx)

	server := api.NewServer(tracker, orch, revoke, f.apiKey, func() bool { return true }, entry)
	httpServer := &http.Server{
		Addr:    f.apiAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("addr", f.apiAddr).Info("management API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		entry.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("management API listener failed: %w", err)
	}
}

// restoreOrRegister registers a fresh account with the contact from the
// command line, attaching External Account Binding credentials (decoded from
// -eab-key) when -eab-kid is set. It never restores a saved account: this
// daemon has no persisted state across restarts, matching the InMemory
// store's own lifetime.
func restoreOrRegister(ctx context.Context, mgr *account.Manager, f *flags) (*resources.Account, error) {
	var eab *resources.EABCredentials
	if f.eabKeyID != "" {
		key, err := base64.RawURLEncoding.DecodeString(f.eabKey)
		if err != nil {
			return nil, fmt.Errorf("decoding -eab-key: %w", err)
		}
		eab = &resources.EABCredentials{KeyID: f.eabKeyID, Key: key}
	}

	contacts := []string{}
	if f.contact != "" {
		contacts = []string{"mailto:" + f.contact}
	}

	acct, err := mgr.Register(ctx, contacts, eab)
	if err != nil {
		return nil, err
	}
	return acct, nil
}
