package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cpu/acmed/acme"
)

// Nonce satisfies the go-jose NonceSource interface by drawing from the
// client's noncepool.Pool, which keeps a small FIFO cache of server-issued
// nonces topped up via single-flight HEAD requests to newNonce.
func (c *Client) Nonce() (string, error) {
	return c.nonces.Acquire(context.Background())
}

// fetchNonce performs the actual HEAD request to the newNonce endpoint. It is
// wired into noncepool.New as the pool's FetchFunc.
func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	nonceURL, ok := c.GetEndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	if !ok {
		return "", fmt.Errorf("missing %q entry in ACME server directory", acme.NEW_NONCE_ENDPOINT)
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return "", err
	}
	if resp.Response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%q returned HTTP status %d, expected %d",
			acme.NEW_NONCE_ENDPOINT, resp.Response.StatusCode, http.StatusOK)
	}

	nonce := resp.Response.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return "", fmt.Errorf("%q returned no %q header value",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}
	return nonce, nil
}

// depositNonce harvests the Replay-Nonce header of a response, if present,
// back into the pool.
func (c *Client) depositNonce(resp *http.Response) {
	if resp == nil {
		return
	}
	if n := resp.Header.Get(acme.REPLAY_NONCE_HEADER); n != "" {
		c.nonces.Deposit(n)
	}
}
