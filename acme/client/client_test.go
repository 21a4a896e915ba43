package client

import (
	"crypto"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"

	acmenet "github.com/cpu/acmed/net"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// testClient builds a Client wired to an httptest server via a real
// acmenet.ACMENet, bypassing NewClient's account restoration/registration
// logic so tests can exercise the directory/nonce/JWS machinery in
// isolation.
func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	net, err := acmenet.New(acmenet.Config{})
	if err != nil {
		t.Fatalf("acmenet.New: %v", err)
	}

	dirURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}

	return &Client{
		DirectoryURL: dirURL,
		Keys:         map[string]crypto.Signer{},
		net:          net,
		log:          discardLog(),
	}, srv
}
