// Package client provides a low-level ACME v2 client: directory discovery,
// nonce handling, JWS signing, and the account/order/authorization/challenge
// wire operations. Higher-level orchestration (the order state machine,
// challenge solving, renewal) lives in sibling packages that build on top of
// this client.
package client

import (
	"context"
	"crypto"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	resources "github.com/cpu/acmed/acme/resources"
	acmenet "github.com/cpu/acmed/net"
	"github.com/cpu/acmed/noncepool"
)

// Client allows interaction with an ACME server. A Client may have many
// Accounts, each corresponding to a keypair and corresponding server-side
// Account resource. Each client uses the ActiveAccount to authenticate
// requests to the ACME server. In addition to Accounts a client maintains
// a map of Keys containing private keys that can be used for signing CSRs
// when finalizing orders.
type Client struct {
	// DirectoryURL is the parsed URL for the ACME server's directory.
	DirectoryURL *url.URL
	// ActiveAccount is used to sign requests that aren't given an explicit
	// SigningOptions.Signer.
	ActiveAccount *resources.Account
	// Keys is a map of key identifiers to private keys used for signing
	// operations that shouldn't use an Account's associated key (e.g. CSRs).
	Keys map[string]crypto.Signer
	// Accounts is the set of Accounts registered or restored by this client.
	Accounts []*resources.Account
	// Output controls the Client's logging verbosity.
	Output OutputOptions
	// PostAsGet, if true, uses POST-as-GET requests instead of GET for reads.
	PostAsGet bool

	net    *acmenet.ACMENet
	nonces *noncepool.Pool
	log    *logrus.Entry

	directory map[string]any
}

// OutputOptions holds runtime logging settings for a client.
type OutputOptions struct {
	PrintRequests   bool
	PrintResponses  bool
	PrintSignedData bool
	PrintJWS        bool
}

// ClientConfig contains configuration options provided to NewClient.
type ClientConfig struct {
	// DirectoryURL is the ACME server's directory endpoint. Mandatory.
	DirectoryURL string
	// CACert is an optional file path to PEM encoded CA certificates trusted
	// for HTTPS requests to the ACME server. If empty, system roots are used.
	CACert string
	// ContactEmail is used as a "mailto:" contact if AutoRegister creates an
	// account.
	ContactEmail string
	// AccountPath is an optional file path to a previously saved Account. If
	// set, it takes precedence over AutoRegister.
	AccountPath string
	// AutoRegister, if true, creates a new Account when none is restored.
	AutoRegister bool
	// POSTAsGET switches GET reads to POST-as-GET.
	POSTAsGET bool
	// InitialOutput sets the initial OutputOptions.
	InitialOutput OutputOptions
	// Logger is used for structured logging; if nil, logrus.StandardLogger is used.
	Logger *logrus.Logger
}

func (conf *ClientConfig) normalize() error {
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.ContactEmail = strings.TrimSpace(conf.ContactEmail)
	conf.AccountPath = strings.TrimSpace(conf.AccountPath)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}
	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}
	if conf.ContactEmail != "" {
		addr, err := mail.ParseAddress(conf.ContactEmail)
		if err != nil {
			return fmt.Errorf("ContactEmail is invalid: %s", err.Error())
		}
		conf.ContactEmail = addr.Address
	}
	return nil
}

// NewClient creates a Client instance from the given ClientConfig, fetching
// the directory before returning. The nonce pool starts empty and fetches
// nonces on first use.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "acme-client")

	net, err := acmenet.New(acmenet.Config{CABundlePath: config.CACert})
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME net client: %w", err)
	}

	dirURL, _ := url.Parse(config.DirectoryURL)

	client := &Client{
		DirectoryURL: dirURL,
		PostAsGet:    config.POSTAsGET,
		Keys:         map[string]crypto.Signer{},
		Output:       config.InitialOutput,
		net:          net,
		log:          log,
	}
	if client.PostAsGet {
		log.Debug("using POST-as-GET requests")
	}

	if err := client.UpdateDirectory(ctx); err != nil {
		return nil, err
	}
	client.nonces = noncepool.New(func(ctx context.Context) (string, error) {
		return client.fetchNonce(ctx)
	})

	if config.AccountPath != "" {
		log.WithField("path", config.AccountPath).Debug("restoring account")
		acct, err := resources.RestoreAccount(config.AccountPath)
		if err != nil && !config.AutoRegister {
			return nil, fmt.Errorf("error restoring account from %q: %w", config.AccountPath, err)
		}
		if err == nil {
			client.Accounts = append(client.Accounts, acct)
			client.ActiveAccount = acct
			log.WithField("id", acct.ID).Debug("restored account")
		}
	}

	if config.AutoRegister && client.ActiveAccountID() == "" {
		acct, err := resources.NewAccount([]string{config.ContactEmail}, nil)
		if err != nil {
			return nil, err
		}
		client.Accounts = append(client.Accounts, acct)
		client.ActiveAccount = acct
		if err := client.CreateAccount(ctx, acct); err != nil {
			return nil, err
		}
		if config.AccountPath != "" {
			if err := resources.SaveAccount(config.AccountPath, client.ActiveAccount); err != nil {
				return nil, fmt.Errorf("error saving account to %q: %w", config.AccountPath, err)
			}
		}
	}

	if acctID := client.ActiveAccountID(); acctID != "" {
		log.WithField("id", acctID).Debug("active account")
	}

	return client, nil
}

// Logf logs a formatted message at debug level, matching the teacher's
// Printf-everywhere convention but through the structured logger.
func (c *Client) Logf(format string, vals ...interface{}) {
	c.log.Debugf(format, vals...)
}

// ActiveAccountID returns the ID of the ActiveAccount, or "" if there is none
// or it has not yet been created with the ACME server.
func (c *Client) ActiveAccountID() string {
	if c.ActiveAccount == nil {
		return ""
	}
	return c.ActiveAccount.ID
}
