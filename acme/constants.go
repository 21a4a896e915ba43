// Package acme provides ACME protocol constants.
package acme

const (
	// See https://ietf-wg-acme.github.io/acme/draft-ietf-acme-acme.html#rfc.section.7.1.1
	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"
	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://ietf-wg-acme.github.io/acme/draft-ietf-acme-acme.html#rfc.section.6.5.1
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// ChallengeHTTP01 is the RFC 8555 section 8.3 HTTP-01 challenge type.
	ChallengeHTTP01 = "http-01"
	// ChallengeDNS01 is the RFC 8555 section 8.4 DNS-01 challenge type.
	ChallengeDNS01 = "dns-01"
	// ChallengeTLSALPN01 is the RFC 8737 TLS-ALPN-01 challenge type.
	ChallengeTLSALPN01 = "tls-alpn-01"

	// OrderPending is the initial Order status before all authorizations are valid.
	OrderPending = "pending"
	// OrderReady indicates all authorizations are valid and finalize may be called.
	OrderReady = "ready"
	// OrderProcessing indicates finalize has been called and issuance is in progress.
	OrderProcessing = "processing"
	// OrderValid indicates the certificate is available for download.
	OrderValid = "valid"
	// OrderInvalid is a terminal failure status.
	OrderInvalid = "invalid"

	// AuthzPending is the initial Authorization status.
	AuthzPending = "pending"
	// AuthzValid indicates a challenge was validated successfully.
	AuthzValid = "valid"
	// AuthzInvalid indicates validation failed.
	AuthzInvalid = "invalid"
	// AuthzDeactivated indicates the client deactivated the authorization.
	AuthzDeactivated = "deactivated"
	// AuthzExpired indicates the authorization's Expires time has passed.
	AuthzExpired = "expired"
	// AuthzRevoked indicates the server revoked the authorization.
	AuthzRevoked = "revoked"

	// ChallengePending is the initial Challenge status.
	ChallengePending = "pending"
	// ChallengeProcessing indicates the server is validating the challenge.
	ChallengeProcessing = "processing"
	// ChallengeValid indicates the challenge validated successfully.
	ChallengeValid = "valid"
	// ChallengeInvalid indicates validation failed.
	ChallengeInvalid = "invalid"

	// AccountValid is the normal Account status after registration.
	AccountValid = "valid"
	// AccountDeactivated is a terminal Account status.
	AccountDeactivated = "deactivated"
	// AccountRevoked indicates the server revoked the account.
	AccountRevoked = "revoked"
)
