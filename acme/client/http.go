package client

import (
	"context"
	"encoding/json"
	"net/http"

	acmenet "github.com/cpu/acmed/net"
)

// HTTPOptions controls what a GetURL/PostURL call logs about the response.
type HTTPOptions struct {
	PrintHeaders  bool
	PrintStatus   bool
	PrintResponse bool
}

// ResponseCtx wraps the raw body and *http.Response for a single ACME HTTP
// round-trip.
type ResponseCtx struct {
	Body []byte
	Resp *http.Response
}

var defaultHTTPOptions = &HTTPOptions{}

// GetURL issues a GET and harvests any Replay-Nonce header into the pool.
func (c *Client) GetURL(ctx context.Context, url string, opts *HTTPOptions) (*ResponseCtx, error) {
	resp, err := c.net.GetURL(ctx, url)
	return c.handleResponse(resp, err, opts)
}

// PostAsGetURL issues an authenticated empty-payload POST to url, the ACME
// "POST-as-GET" read pattern.
func (c *Client) PostAsGetURL(ctx context.Context, url string) (*ResponseCtx, error) {
	signResult, err := c.Sign(url, []byte(""), nil)
	if err != nil {
		return nil, err
	}
	return c.PostURL(ctx, url, signResult.SerializedJWS, nil)
}

// PostURL POSTs a pre-serialized JWS body to url and harvests any
// Replay-Nonce header into the pool.
func (c *Client) PostURL(ctx context.Context, url string, body []byte, opts *HTTPOptions) (*ResponseCtx, error) {
	resp, err := c.net.PostURL(ctx, url, body)
	return c.handleResponse(resp, err, opts)
}

func (c *Client) handleResponse(resp *acmenet.NetResponse, err error, opts *HTTPOptions) (*ResponseCtx, error) {
	if err != nil {
		return nil, err
	}
	c.depositNonce(resp.Response)
	ctx := &ResponseCtx{Body: resp.RespBody, Resp: resp.Response}
	c.printHTTPResponse(ctx, opts)
	return ctx, nil
}

func (c *Client) printHTTPResponse(respCtx *ResponseCtx, opts *HTTPOptions) {
	if opts == nil {
		opts = defaultHTTPOptions
	}
	if opts.PrintStatus {
		if respCtx.Resp != nil {
			c.Logf("response status: %s", respCtx.Resp.Status)
		}
	}
	if opts.PrintHeaders && respCtx.Resp != nil {
		headerBytes, _ := json.MarshalIndent(&respCtx.Resp.Header, "", "  ")
		c.Logf("response headers:\n%s", string(headerBytes))
	}
	if opts.PrintResponse {
		c.Logf("response body:\n%s", string(respCtx.Body))
	}
}
