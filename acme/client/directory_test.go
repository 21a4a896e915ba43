package client

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func directoryHandler(dir map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dir)
	}
}

func TestUpdateDirectoryCachesResult(t *testing.T) {
	c, _ := testClient(t, directoryHandler(map[string]any{
		"newNonce": "https://example.com/acme/new-nonce",
	}))

	require.NoError(t, c.UpdateDirectory(context.Background()))
	assert.Equal(t, "https://example.com/acme/new-nonce", c.directory["newNonce"])
}

func TestDirectoryFetchesLazilyOnce(t *testing.T) {
	var hits int
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(map[string]any{"newNonce": "https://example.com/new-nonce"})
	}))

	dir1, err := c.Directory(context.Background())
	require.NoError(t, err)
	dir2, err := c.Directory(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dir1, dir2)
	assert.Equal(t, 1, hits)
}

func TestGetEndpointURLFoundAndMissing(t *testing.T) {
	c, _ := testClient(t, directoryHandler(map[string]any{
		"newNonce": "https://example.com/acme/new-nonce",
	}))

	url, ok := c.GetEndpointURL(context.Background(), "newNonce")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/acme/new-nonce", url)

	_, ok = c.GetEndpointURL(context.Background(), "missingEndpoint")
	assert.False(t, ok)
}

func TestGetEndpointURLIgnoresNonStringOrEmpty(t *testing.T) {
	c, _ := testClient(t, directoryHandler(map[string]any{
		"newNonce": 12345,
		"newOrder": "",
	}))

	_, ok := c.GetEndpointURL(context.Background(), "newNonce")
	assert.False(t, ok)
	_, ok = c.GetEndpointURL(context.Background(), "newOrder")
	assert.False(t, ok)
}

func TestExternalAccountRequiredTrue(t *testing.T) {
	c, _ := testClient(t, directoryHandler(map[string]any{
		"meta": map[string]any{"externalAccountRequired": true},
	}))
	assert.True(t, c.ExternalAccountRequired(context.Background()))
}

func TestExternalAccountRequiredFalseWhenAbsent(t *testing.T) {
	c, _ := testClient(t, directoryHandler(map[string]any{}))
	assert.False(t, c.ExternalAccountRequired(context.Background()))
}

func TestUpdateDirectoryPropagatesHTTPError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	require.Error(t, c.UpdateDirectory(context.Background()))
}
