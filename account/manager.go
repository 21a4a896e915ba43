// Package account implements the Account Manager: registration, lookup,
// contact updates, deactivation and key rollover for a single ACME account,
// with the concurrency discipline the spec requires (exclusive lock for
// mutation, shared lock for reads) layered over the low-level wire client.
//
// Grounded on the teacher's acme/client NewClient/CreateAccount/Rollover
// flow (acme/client/client.go, acme/client/resources.go), generalized from
// a client-owned single ActiveAccount into a standalone, lockable component.
package account

import (
	"context"
	"crypto"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acme"
	"github.com/cpu/acmed/acme/client"
	"github.com/cpu/acmed/acme/keys"
	"github.com/cpu/acmed/acme/resources"
	"github.com/cpu/acmed/acmeproblem"
)

// Manager owns exactly one ACME account and serializes mutation against it.
type Manager struct {
	mu      sync.RWMutex
	client  *client.Client
	account *resources.Account
	log     *logrus.Entry
}

// New wraps c, with no account yet registered or restored.
func New(c *client.Client, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{client: c, log: log.WithField("component", "account-manager")}
}

// Account returns the currently managed Account, or nil if none has been
// registered or restored yet.
func (m *Manager) Account() *resources.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// Thumbprint returns the JWK thumbprint of the current account key. Must be
// recomputed by callers after any Rollover; it is never cached across that
// boundary.
func (m *Manager) Thumbprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return ""
	}
	return keys.JWKThumbprint(m.account.Signer)
}

// Register creates a new account keypair and registers it with the CA. If
// the directory requires External Account Binding and eab is nil, fails with
// acmeproblem.KindEabRequired.
func (m *Manager) Register(ctx context.Context, contacts []string, eab *resources.EABCredentials) (*resources.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client.ExternalAccountRequired(ctx) && eab == nil {
		return nil, acmeproblem.New(acmeproblem.KindEabRequired,
			"CA requires External Account Binding for registration", nil)
	}

	acct, err := resources.NewAccount(contacts, nil)
	if err != nil {
		return nil, acmeproblem.New(acmeproblem.KindCrypto, "generating account key", err)
	}
	acct.TermsOfServiceAgreed = true

	if eab != nil {
		err = m.client.CreateAccountWithEAB(ctx, acct, *eab)
	} else {
		err = m.client.CreateAccount(ctx, acct)
	}
	if err != nil {
		return nil, acmeproblem.New(acmeproblem.KindProtocol, "registering account", err)
	}

	m.account = acct
	m.log.WithField("id", acct.ID).Info("registered account")
	return acct, nil
}

// Restore adopts an already-created Account (e.g. loaded from storage) as
// the managed account.
func (m *Manager) Restore(acct *resources.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = acct
}

// Lookup checks whether the CA already knows about signer's public key,
// without creating an account. Returns acmeproblem.KindAccountNotFound if not.
func (m *Manager) Lookup(ctx context.Context, signer crypto.Signer) (string, error) {
	url, found, err := m.client.LookupAccount(ctx, signer)
	if err != nil {
		return "", acmeproblem.New(acmeproblem.KindProtocol, "looking up account", err)
	}
	if !found {
		return "", acmeproblem.New(acmeproblem.KindAccountNotFound, "no account for this key", nil)
	}
	return url, nil
}

// UpdateContacts replaces the managed account's contact list.
func (m *Manager) UpdateContacts(ctx context.Context, contacts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return fmt.Errorf("account: no account registered or restored")
	}
	if err := m.client.UpdateAccountContacts(ctx, m.account, contacts); err != nil {
		return acmeproblem.New(acmeproblem.KindProtocol, "updating contacts", err)
	}
	return nil
}

// Deactivate marks the managed account deactivated. Subsequent requests
// signed with this account will be rejected by the CA.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return fmt.Errorf("account: no account registered or restored")
	}
	if err := m.client.DeactivateAccount(ctx, m.account); err != nil {
		return acmeproblem.New(acmeproblem.KindProtocol, "deactivating account", err)
	}
	m.log.WithField("id", m.account.ID).Info("deactivated account")
	return nil
}

// Rollover replaces the managed account's key with a freshly generated key
// of keyType via the ACME keyChange protocol. The account URL is unchanged;
// see acme.AccountValid lifecycle invariants.
func (m *Manager) Rollover(ctx context.Context, keyType keys.KeyType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return fmt.Errorf("account: no account registered or restored")
	}
	if m.account.Status == acme.AccountDeactivated || m.account.Status == acme.AccountRevoked {
		return acmeproblem.New(acmeproblem.KindUnauthorized, "account is deactivated", nil)
	}

	newKey, err := keys.NewSigner(keyType)
	if err != nil {
		return acmeproblem.New(acmeproblem.KindCrypto, "generating rollover key", err)
	}
	m.client.ActiveAccount = m.account
	if err := m.client.Rollover(ctx, newKey); err != nil {
		return acmeproblem.New(acmeproblem.KindProtocol, "rolling over account key", err)
	}
	return nil
}
