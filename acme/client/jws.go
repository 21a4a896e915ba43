package client

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/cpu/acmed/acme/keys"

	jose "github.com/go-jose/go-jose/v4"
)

// SigningOptions allows specifying signature related options when calling
// a Client's Sign function.
type SigningOptions struct {
	// If true, embed the account's public key as a JWK in the signed JWS
	// instead of using a KeyID header. Required for newAccount and the inner
	// JWS of a keyChange rollover. Mutually exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, a KeyID to use for the JWS "kid" header. If empty the
	// ActiveAccount's ID field is used. Mutually exclusive with EmbedKey.
	KeyID string
	// The Signer to use. If nil, the ActiveAccount's Signer is used.
	Signer crypto.Signer
	// NonceSource supplies the Replay-Nonce header value. If nil, the Client
	// itself (and so its noncepool.Pool) is used.
	NonceSource jose.NonceSource
}

// validate checks that the SigningOptions are sensible: KeyID and EmbedKey
// are mutually exclusive, and a NonceSource/Signer must be present. Must only
// be called after defaults have been populated.
func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return errors.New("SigningOptions validate: cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return errors.New("SigningOptions validate: you must specify a KeyID or EmbedKey")
	}
	if opts.NonceSource == nil {
		return errors.New("SigningOptions validate: you must specify a NonceSource")
	}
	if opts.Signer == nil {
		return errors.New("SigningOptions validate: you must specify a signer")
	}
	return nil
}

// SignResult holds the input and output from a Sign operation.
type SignResult struct {
	InputURL      string
	InputData     []byte
	JWS           *jose.JSONWebSignature
	SerializedJWS []byte
}

// Sign produces a SignResult for data with a protected "url" header, per the
// given SigningOptions. Defaults: Signer from ActiveAccount if unset, KeyID
// from ActiveAccount.ID if neither EmbedKey nor KeyID given, NonceSource is
// the Client itself.
func (c *Client) Sign(url string, data []byte, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}

	if opts.Signer == nil {
		if c.ActiveAccount == nil {
			return nil, errors.New("ActiveAccount is nil and no Signer was specified in SigningOptions")
		}
		opts.Signer = c.ActiveAccount.Signer
	}

	if !opts.EmbedKey && opts.KeyID == "" {
		if c.ActiveAccount == nil {
			return nil, errors.New("SigningOptions did not specify EmbedKey/KeyID and there is no ActiveAccount")
		}
		opts.KeyID = c.ActiveAccount.ID
	}

	if opts.NonceSource == nil {
		opts.NonceSource = c
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if c.Output.PrintSignedData {
		c.Logf("signing:\n%s\n", data)
	}

	var signResult *SignResult
	var err error
	if opts.EmbedKey {
		signResult, err = signEmbedded(url, data, *opts)
	} else {
		signResult, err = signKeyID(url, data, *opts)
	}

	if err == nil && c.Output.PrintJWS {
		c.Logf("JWS:\n%s\n", string(signResult.SerializedJWS))
	}
	return signResult, err
}

func signEmbedded(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	signingKey := keys.SigningKeyForSigner(opts.Signer, "")

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: opts.NonceSource,
		EmbedJWK:    true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, err
	}
	return sign(signer, url, data)
}

func signKeyID(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	if opts.KeyID == "" {
		return nil, fmt.Errorf("signKeyID: empty KeyID")
	}

	signingKey := keys.SigningKeyForSigner(opts.Signer, opts.KeyID)
	joseOpts := &jose.SignerOptions{
		NonceSource: opts.NonceSource,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, err
	}
	return sign(signer, url, data)
}

func sign(signer jose.Signer, url string, data []byte) (*SignResult, error) {
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}

	serialized := []byte(signed.FullSerialize())

	// Reparse to get a fully populated JWS object for logging/inspection.
	parsedJWS, err := jose.ParseSigned(string(serialized), []jose.SignatureAlgorithm{
		jose.EdDSA, jose.ES256, jose.ES384, jose.RS256,
	})
	if err != nil {
		return nil, err
	}

	return &SignResult{
		InputURL:      url,
		InputData:     data,
		JWS:           parsedJWS,
		SerializedJWS: serialized,
	}, nil
}
