package net

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultTimeout(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
}

func TestNewRejectsMissingCABundle(t *testing.T) {
	_, err := New(Config{CABundlePath: filepath.Join(t.TempDir(), "does-not-exist.pem")})
	require.Error(t, err)
}

func TestNewRejectsEmptyCABundleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o600))
	_, err := New(Config{CABundlePath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates found")
}

func TestGetURLSendsUserAgentAndReturnsBody(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)
	resp, err := c.GetURL(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.RespBody))
	assert.Contains(t, gotUA, "acmed")
}

func TestPostURLSetsJOSEContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)
	_, err = c.PostURL(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "application/jose+json", gotContentType)
}
