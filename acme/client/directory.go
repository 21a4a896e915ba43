package client

import (
	"context"
	"encoding/json"
)

func (c *Client) getDirectory(ctx context.Context) (map[string]any, error) {
	resp, err := c.net.GetURL(ctx, c.DirectoryURL.String())
	if err != nil {
		return nil, err
	}

	var directory map[string]any
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return nil, err
	}
	return directory, nil
}

// Directory returns the cached ACME directory resource, fetching it first if
// necessary.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) Directory(ctx context.Context) (map[string]any, error) {
	if c.directory == nil {
		if err := c.UpdateDirectory(ctx); err != nil {
			return nil, err
		}
	}
	return c.directory, nil
}

// UpdateDirectory refetches and replaces the cached directory.
func (c *Client) UpdateDirectory(ctx context.Context) error {
	newDir, err := c.getDirectory(ctx)
	if err != nil {
		return err
	}
	c.directory = newDir
	c.log.Debug("updated directory")
	return nil
}

// GetEndpointURL looks up a named endpoint (e.g. "newNonce") in the cached
// directory. Returns ok=false if the directory has no such entry.
func (c *Client) GetEndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", false
	}
	rawURL, ok := dir[name]
	if !ok {
		return "", false
	}
	if v, ok := rawURL.(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// ExternalAccountRequired reports whether the directory's metadata demands
// External Account Binding for newAccount requests.
func (c *Client) ExternalAccountRequired(ctx context.Context) bool {
	dir, err := c.Directory(ctx)
	if err != nil {
		return false
	}
	meta, ok := dir["meta"].(map[string]any)
	if !ok {
		return false
	}
	req, _ := meta["externalAccountRequired"].(bool)
	return req
}
