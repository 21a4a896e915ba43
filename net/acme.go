// Package net provides common HTTP utilities used by the ACME client and the
// challenge solvers to talk to a CA and, where relevant, to each other.
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	version       = "0.2.0"
	userAgentBase = "acmed"
	locale        = "en-us"

	// DefaultTimeout bounds a single HTTP request made through ACMENet.
	DefaultTimeout = 30 * time.Second
)

// Config controls how an ACMENet client validates the CA's TLS certificate.
type Config struct {
	// CABundlePath is an optional file path to one or more PEM encoded CA
	// certificates to trust for HTTPS requests. If empty, the system roots are
	// used.
	CABundlePath string
	// Timeout bounds every request. If zero, DefaultTimeout is used.
	Timeout time.Duration
}

func (c *Config) normalize() error {
	c.CABundlePath = strings.TrimSpace(c.CABundlePath)
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// ACMENet is a thin HTTP client wrapper that tags requests with a
// recognizable User-Agent and captures request/response dumps for debugging.
type ACMENet struct {
	httpClient *http.Client
}

// New builds an ACMENet from conf. A zero-value Config is valid and uses the
// system trust store and DefaultTimeout.
func New(conf Config) (*ACMENet, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	transport := &http.Transport{}
	if conf.CABundlePath != "" {
		pemBundle, err := os.ReadFile(conf.CABundlePath)
		if err != nil {
			return nil, err
		}
		caBundle := x509.NewCertPool()
		if !caBundle.AppendCertsFromPEM(pemBundle) {
			return nil, fmt.Errorf("net: no certificates found in %q", conf.CABundlePath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: caBundle}
	}

	return &ACMENet{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   conf.Timeout,
		},
	}, nil
}

// NetResponse is the result of a single HTTP round trip.
type NetResponse struct {
	Response *http.Response
	RespBody []byte
	RespDump []byte
	ReqDump  []byte
}

func (c *ACMENet) Do(req *http.Request) (*NetResponse, error) {
	return c.httpRequest(req)
}

func (c *ACMENet) httpRequest(req *http.Request) (*NetResponse, error) {
	ua := fmt.Sprintf("%s %s (%s; %s)",
		userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", locale)

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		reqDump = nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respDump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		respDump = nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &NetResponse{
		Response: resp,
		RespBody: respBody,
		RespDump: respDump,
		ReqDump:  reqDump,
	}, nil
}

// HeadURL issues a HEAD request to url using the provided context.
func (c *ACMENet) HeadURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostRequest constructs a POST request to url with the given body.
func (c *ACMENet) PostRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
}

// PostURL POSTs body to url with the ACME JWS content type.
func (c *ACMENet) PostURL(ctx context.Context, url string, body []byte) (*NetResponse, error) {
	req, err := c.PostRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	return c.Do(req)
}

// GetRequest constructs a GET request to url.
func (c *ACMENet) GetRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// GetURL issues a GET request to url.
func (c *ACMENet) GetURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := c.GetRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
