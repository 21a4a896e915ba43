// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cpu/acmed/acme/keys"
)

// EABCredentials holds External Account Binding credentials issued
// out-of-band by a CA that requires them for account registration.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.4
type EABCredentials struct {
	// KeyID identifies the EAB key with the CA.
	KeyID string
	// Key is the raw (base64url decoded) HMAC key bytes.
	Key []byte
}

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been created server-side with the ACME
// server using the client.CreateAccount function.
//
// The ID field holds the server assigned Account ID (a URL) that is assigned
// at the time of account creation and used as the JWS KeyID for
// authenticating ACME requests with the Account's registered keypair.
//
// For information about the Account resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.2
type Account struct {
	// The server assigned Account ID (a URL). Used as the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	ID string `json:"id"`
	// Status is one of "valid", "deactivated" or "revoked". An Account never
	// transitions back to "valid" once it leaves that state.
	Status string `json:"status,omitempty"`
	// If not nil, a slice of one or more email addresses to be used as the ACME
	// Account's "mailto:" Contact addresses.
	Contact []string `json:"contact"`
	// TermsOfServiceAgreed records whether the account agreed to the CA's terms
	// of service at registration time.
	TermsOfServiceAgreed bool `json:"termsOfServiceAgreed,omitempty"`
	// Signer is used to sign protocol messages and to access the ACME
	// account's public key.
	Signer crypto.Signer `json:"-"`
	// If not nil, a slice of URLs for Order resources the Account created with
	// the ACME server.
	Orders []string `json:"orders"`
	// The JSON path backing the account (if any).
	jsonPath string
}

// String returns the Account's ID or an empty string if it has not been created
// with the ACME server.
func (a Account) String() string {
	return a.ID
}

// Path returns the on-disk location the Account was loaded from or saved to.
func (a Account) Path() string {
	return a.jsonPath
}

// Deactivated reports whether the Account has left the "valid" state.
func (a Account) Deactivated() bool {
	return a.Status == "deactivated" || a.Status == "revoked"
}

// OrderURL returns the Order URL for the ith Order the Account owns. An error
// is returned if the Account has no Orders or if the index is out of bounds.
func (a *Account) OrderURL(i int) (string, error) {
	if len(a.Orders) == 0 {
		return "", errors.New("account has no orders")
	}
	if i < 0 || i >= len(a.Orders) {
		return "", fmt.Errorf("order index must be 0 <= x < %d", len(a.Orders))
	}
	return a.Orders[i], nil
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until it is explicitly
// "created" server-side.
//
// emails is a slice of zero or more email addresses used as the Account's
// Contact information. privKey is a crypto.Signer to use for the Account
// keypair; if nil, a new ECDSA P-256 key is generated.
func NewAccount(emails []string, privKey crypto.Signer) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if privKey == nil {
		randKey, err := keys.NewSigner(keys.KeyTypeECDSAP256)
		if err != nil {
			return nil, err
		}
		privKey = randKey
	}

	return &Account{
		Contact: contacts,
		Signer:  privKey,
	}, nil
}

// SaveAccount persists the given Account object (which must not be nil) to the
// given file path. The file is written mode 0600 since it contains a private
// key.
func SaveAccount(path string, account *Account) error {
	if account == nil {
		return fmt.Errorf("account must not be nil")
	}
	frozenBytes, err := account.save()
	if err != nil {
		return err
	}
	account.jsonPath = path
	return os.WriteFile(path, frozenBytes, 0600)
}

type rawAccount struct {
	ID         string
	Status     string
	Contact    []string
	Orders     []string
	KeyType    string
	PrivateKey []byte
}

func (a *Account) save() ([]byte, error) {
	keyBytes, keyType, err := keys.MarshalSigner(a.Signer)
	if err != nil {
		return nil, err
	}

	rawAcct := rawAccount{
		ID:         a.ID,
		Status:     a.Status,
		Contact:    a.Contact,
		Orders:     a.Orders,
		KeyType:    keyType,
		PrivateKey: keyBytes,
	}
	return json.MarshalIndent(rawAcct, "", "  ")
}

// RestoreAccount loads a previously saved Account object from the given file
// path.
func RestoreAccount(path string) (*Account, error) {
	acct := &Account{}
	frozenBytes, err := os.ReadFile(path)
	if err != nil {
		return acct, err
	}

	err = acct.restore(frozenBytes)
	acct.jsonPath = path
	return acct, err
}

func (a *Account) restore(frozenAcct []byte) error {
	var rawAcct rawAccount
	if err := json.Unmarshal(frozenAcct, &rawAcct); err != nil {
		return err
	}

	privKey, err := keys.UnmarshalSigner(rawAcct.PrivateKey, rawAcct.KeyType)
	if err != nil {
		return err
	}

	a.ID = rawAcct.ID
	a.Status = rawAcct.Status
	a.Contact = rawAcct.Contact
	a.Orders = rawAcct.Orders
	a.Signer = privKey
	return nil
}
