package client

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cpu/acmed/acme"
	"github.com/cpu/acmed/acme/keys"
	"github.com/cpu/acmed/acme/resources"

	jose "github.com/go-jose/go-jose/v4"
)

// newAccountRequest is the JSON body of a newAccount POST.
type newAccountRequest struct {
	Contact              []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed bool            `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool            `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding *json.RawMessage `json:"externalAccountBinding,omitempty"`
}

// CreateAccount creates the given Account resource with the ACME server,
// unconditionally agreeing to the server's terms of service. The Account's ID
// is populated from the response's Location header on success. Use
// CreateAccountWithEAB to attach External Account Binding credentials.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) CreateAccount(ctx context.Context, acct *resources.Account) error {
	return c.createAccount(ctx, acct, nil)
}

// CreateAccountWithEAB is like CreateAccount but attaches External Account
// Binding credentials, as required by CAs whose directory metadata sets
// externalAccountRequired.
func (c *Client) CreateAccountWithEAB(ctx context.Context, acct *resources.Account, eab resources.EABCredentials) error {
	return c.createAccount(ctx, acct, &eab)
}

func (c *Client) createAccount(ctx context.Context, acct *resources.Account, eab *resources.EABCredentials) error {
	if acct.ID != "" {
		return fmt.Errorf("create: account already exists under ID %q", acct.ID)
	}

	newAcctURL, ok := c.GetEndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return fmt.Errorf("create: ACME server missing %q endpoint in directory", acme.NEW_ACCOUNT_ENDPOINT)
	}

	req := newAccountRequest{
		Contact:              acct.Contact,
		TermsOfServiceAgreed: true,
	}

	if eab != nil {
		eabJWS, err := c.signEAB(newAcctURL, acct.Signer, *eab)
		if err != nil {
			return fmt.Errorf("create: eab: %w", err)
		}
		raw := json.RawMessage(eabJWS)
		req.ExternalAccountBinding = &raw
	}

	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	signResult, err := c.Sign(newAcctURL, reqBody, &SigningOptions{
		EmbedKey: true,
		Signer:   acct.Signer,
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	resp, err := c.PostURL(ctx, newAcctURL, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusCreated && resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create: server returned status code %d, expected %d",
			resp.Resp.StatusCode, http.StatusCreated)
	}

	locHeader := resp.Resp.Header.Get("Location")
	if locHeader == "" {
		return errors.New("create: server returned response with no Location header")
	}
	acct.ID = locHeader
	acct.Status = acme.AccountValid
	c.log.WithField("id", acct.ID).Debug("created account")
	return nil
}

// signEAB builds the RFC 8555 section 7.3.4 External Account Binding JWS: an
// HS256 JWS over the account's public JWK, signed with the EAB HMAC key and
// keyed ("kid") by the EAB key identifier, with no nonce/Replay-Nonce header.
func (c *Client) signEAB(url string, accountSigner crypto.Signer, eab resources.EABCredentials) ([]byte, error) {
	jwk := keys.JWKForSigner(accountSigner)
	payload, err := json.Marshal(&jwk)
	if err != nil {
		return nil, err
	}

	hmacKey := jose.SigningKey{
		Algorithm: jose.HS256,
		Key: jose.JSONWebKey{
			Key:   eab.Key,
			KeyID: eab.KeyID,
		},
	}
	signer, err := jose.NewSigner(hmacKey, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"url": url},
	})
	if err != nil {
		return nil, err
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return []byte(signed.FullSerialize()), nil
}

// LookupAccount checks whether an account already exists for the given
// signer by sending a newAccount request with onlyReturnExisting set. Returns
// the Account URL and true if found, or ("", false) if the account does not
// exist; any HTTP 400 response from the server is treated as "does not exist".
func (c *Client) LookupAccount(ctx context.Context, signer crypto.Signer) (string, bool, error) {
	newAcctURL, ok := c.GetEndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return "", false, fmt.Errorf("lookup: ACME server missing %q endpoint", acme.NEW_ACCOUNT_ENDPOINT)
	}

	req := newAccountRequest{OnlyReturnExisting: true}
	reqBody, err := json.Marshal(&req)
	if err != nil {
		return "", false, err
	}

	signResult, err := c.Sign(newAcctURL, reqBody, &SigningOptions{EmbedKey: true, Signer: signer})
	if err != nil {
		return "", false, err
	}

	resp, err := c.PostURL(ctx, newAcctURL, signResult.SerializedJWS, nil)
	if err != nil {
		return "", false, err
	}
	if resp.Resp.StatusCode == http.StatusBadRequest {
		return "", false, nil
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("lookup: server returned status %d", resp.Resp.StatusCode)
	}
	return resp.Resp.Header.Get("Location"), true, nil
}

// UpdateAccountContacts POSTs the new contact set to the account's URL.
func (c *Client) UpdateAccountContacts(ctx context.Context, acct *resources.Account, contacts []string) error {
	req := struct {
		Contact []string `json:"contact"`
	}{Contact: contacts}
	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	signResult, err := c.Sign(acct.ID, reqBody, &SigningOptions{Signer: acct.Signer, KeyID: acct.ID})
	if err != nil {
		return err
	}
	resp, err := c.PostURL(ctx, acct.ID, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("updateContacts: server returned status %d", resp.Resp.StatusCode)
	}
	acct.Contact = contacts
	return nil
}

// DeactivateAccount POSTs {"status":"deactivated"} to the account's URL.
func (c *Client) DeactivateAccount(ctx context.Context, acct *resources.Account) error {
	reqBody := []byte(`{"status":"deactivated"}`)
	signResult, err := c.Sign(acct.ID, reqBody, &SigningOptions{Signer: acct.Signer, KeyID: acct.ID})
	if err != nil {
		return err
	}
	resp, err := c.PostURL(ctx, acct.ID, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deactivate: server returned status %d", resp.Resp.StatusCode)
	}
	acct.Status = acme.AccountDeactivated
	return nil
}

// Rollover replaces the active account's key with newKey via the ACME
// keyChange protocol (RFC 8555 section 7.3.5): an inner JWS signed by newKey
// covering {account, oldKey}, wrapped in an outer JWS signed by the current
// key. On success the Client's ActiveAccount.Signer is atomically replaced;
// on failure the old key remains active.
func (c *Client) Rollover(ctx context.Context, newKey crypto.Signer) error {
	acctID := c.ActiveAccountID()
	if acctID == "" {
		return errors.New("rollover: active account is nil or has not been created")
	}
	account := c.ActiveAccount
	oldKey := keys.JWKForSigner(account.Signer)

	rolloverRequest := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: account.ID,
		OldKey:  oldKey,
	}
	rolloverRequestJSON, err := json.Marshal(&rolloverRequest)
	if err != nil {
		return fmt.Errorf("rollover: marshal inner request: %w", err)
	}

	targetURL, ok := c.GetEndpointURL(ctx, acme.KEY_CHANGE_ENDPOINT)
	if !ok {
		return fmt.Errorf("rollover: no %q endpoint in directory", acme.KEY_CHANGE_ENDPOINT)
	}

	innerSignResult, err := c.Sign(targetURL, rolloverRequestJSON, &SigningOptions{
		Signer:   newKey,
		EmbedKey: true,
	})
	if err != nil {
		return fmt.Errorf("rollover: inner JWS: %w", err)
	}

	outerSignResult, err := c.Sign(targetURL, innerSignResult.SerializedJWS, nil)
	if err != nil {
		return fmt.Errorf("rollover: outer JWS: %w", err)
	}

	resp, err := c.PostURL(ctx, targetURL, outerSignResult.SerializedJWS, nil)
	if err != nil {
		return fmt.Errorf("rollover: POST failed: %w", err)
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rollover: POST failed, status %d", resp.Resp.StatusCode)
	}

	c.Keys[account.ID] = newKey
	account.Signer = newKey
	c.log.WithField("id", acctID).Debug("rollover completed")
	return nil
}

// CreateOrder creates the given Order resource with the ACME server. On
// success the Order's ID, status, authorization URLs and finalize URL are
// populated from the response.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) CreateOrder(ctx context.Context, order *resources.Order) error {
	if c.ActiveAccountID() == "" {
		return errors.New("createOrder: active account is nil or has not been created")
	}

	req := struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}{Identifiers: order.Identifiers}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	newOrderURL, ok := c.GetEndpointURL(ctx, acme.NEW_ORDER_ENDPOINT)
	if !ok {
		return fmt.Errorf("createOrder: ACME server missing %q endpoint", acme.NEW_ORDER_ENDPOINT)
	}

	signResult, err := c.Sign(newOrderURL, reqBody, nil)
	if err != nil {
		return fmt.Errorf("createOrder: %w", err)
	}

	resp, err := c.PostURL(ctx, newOrderURL, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("createOrder: server returned status %d, expected %d",
			resp.Resp.StatusCode, http.StatusCreated)
	}

	locHeader := resp.Resp.Header.Get("Location")
	if locHeader == "" {
		return errors.New("createOrder: server returned response with no Location header")
	}

	if err := json.Unmarshal(resp.Body, order); err != nil {
		return fmt.Errorf("createOrder: server returned invalid JSON: %w", err)
	}
	order.ID = locHeader
	c.ActiveAccount.Orders = append(c.ActiveAccount.Orders, order.ID)
	c.log.WithField("order", order.ID).Debug("created order")
	return nil
}

// fetch performs either a GET or a POST-as-GET of url, according to
// c.PostAsGet, and returns the raw response body.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	var resp *ResponseCtx
	var err error
	if c.PostAsGet {
		resp, err = c.PostAsGetURL(ctx, url)
	} else {
		resp, err = c.GetURL(ctx, url, nil)
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UpdateOrder refreshes order in place by fetching its ID URL.
func (c *Client) UpdateOrder(ctx context.Context, order *resources.Order) error {
	if order == nil || order.ID == "" {
		return errors.New("updateOrder: order must be non-nil and have an ID")
	}
	body, err := c.fetch(ctx, order.ID)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, order)
}

// UpdateAuthz refreshes authz in place by fetching its ID URL.
func (c *Client) UpdateAuthz(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil || authz.ID == "" {
		return errors.New("updateAuthz: authz must be non-nil and have an ID")
	}
	body, err := c.fetch(ctx, authz.ID)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, authz)
}

// UpdateChallenge refreshes chall in place by fetching its URL.
func (c *Client) UpdateChallenge(ctx context.Context, chall *resources.Challenge) error {
	if chall == nil || chall.URL == "" {
		return errors.New("updateChallenge: chall must be non-nil and have a URL")
	}
	body, err := c.fetch(ctx, chall.URL)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, chall)
}

// RespondChallenge POSTs an empty JSON object to the challenge URL, signaling
// to the server that the client believes the challenge is ready to validate.
func (c *Client) RespondChallenge(ctx context.Context, chall *resources.Challenge) error {
	signResult, err := c.Sign(chall.URL, []byte("{}"), nil)
	if err != nil {
		return err
	}
	resp, err := c.PostURL(ctx, chall.URL, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("respondChallenge: server returned status %d", resp.Resp.StatusCode)
	}
	return json.Unmarshal(resp.Body, chall)
}

// Finalize POSTs a CSR to the order's finalize URL.
func (c *Client) Finalize(ctx context.Context, order *resources.Order, csr B64CSR) error {
	req := struct {
		CSR string `json:"csr"`
	}{CSR: string(csr)}
	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	signResult, err := c.Sign(order.Finalize, reqBody, nil)
	if err != nil {
		return err
	}
	resp, err := c.PostURL(ctx, order.Finalize, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finalize: server returned status %d", resp.Resp.StatusCode)
	}
	return json.Unmarshal(resp.Body, order)
}

// DownloadCertificate POST-as-GETs (or GETs) the order's certificate URL and
// returns the raw PEM chain.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	return c.fetch(ctx, certURL)
}

// RevokeCertificate revokes a certificate (DER bytes) for the given reason
// code, signed either with the account key (if acct is non-nil) or embedded
// with the certificate's own key (cert-key revocation per RFC 8555 7.6).
func (c *Client) RevokeCertificate(ctx context.Context, acct *resources.Account, certDER []byte, certKey crypto.Signer, reason int) error {
	revokeURL, ok := c.GetEndpointURL(ctx, acme.REVOKE_CERT_ENDPOINT)
	if !ok {
		return fmt.Errorf("revoke: no %q endpoint in directory", acme.REVOKE_CERT_ENDPOINT)
	}

	req := struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{
		Certificate: base64.RawURLEncoding.EncodeToString(certDER),
		Reason:      reason,
	}
	reqBody, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	var signResult *SignResult
	if acct != nil {
		signResult, err = c.Sign(revokeURL, reqBody, &SigningOptions{Signer: acct.Signer, KeyID: acct.ID})
	} else {
		signResult, err = c.Sign(revokeURL, reqBody, &SigningOptions{Signer: certKey, EmbedKey: true})
	}
	if err != nil {
		return err
	}

	resp, err := c.PostURL(ctx, revokeURL, signResult.SerializedJWS, nil)
	if err != nil {
		return err
	}
	if resp.Resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: server returned status %d", resp.Resp.StatusCode)
	}
	return nil
}

// OrderByIndex fetches the full Order object for the ActiveAccount's ith
// order.
func (c *Client) OrderByIndex(ctx context.Context, index int) (*resources.Order, error) {
	if c.ActiveAccountID() == "" {
		return nil, errors.New("orderByIndex: active account is nil or has not been created")
	}
	orderURL, err := c.ActiveAccount.OrderURL(index)
	if err != nil {
		return nil, err
	}
	order := &resources.Order{ID: orderURL}
	if err := c.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// AuthzByIdentifier fetches order's authorizations until it finds one for the
// given identifier value.
func (c *Client) AuthzByIdentifier(ctx context.Context, order *resources.Order, identifier string) (*resources.Authorization, error) {
	if order == nil {
		return nil, errors.New("authzByIdentifier: order was nil")
	}
	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{ID: authzURL}
		if err := c.UpdateAuthz(ctx, authz); err != nil {
			return nil, err
		}
		if authz.Identifier.Value == identifier {
			return authz, nil
		}
	}
	return nil, fmt.Errorf("authzByIdentifier: order %q has no authz with identifier %q", order.ID, identifier)
}
