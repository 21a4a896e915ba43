package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizationStringReturnsID(t *testing.T) {
	auth := Authorization{ID: "https://example.com/acme/authz/1"}
	assert.Equal(t, "https://example.com/acme/authz/1", auth.String())
}

func TestAuthorizationCarriesWildcardAndChallenges(t *testing.T) {
	auth := Authorization{
		ID:         "https://example.com/acme/authz/1",
		Status:     "pending",
		Identifier: Identifier{Type: "dns", Value: "example.com"},
		Wildcard:   true,
		Challenges: []Challenge{
			{Type: "dns-01", URL: "https://example.com/acme/chall/1", Token: "tok"},
		},
	}

	assert.True(t, auth.Wildcard)
	assert.Equal(t, "dns", auth.Identifier.Type)
	assert.Len(t, auth.Challenges, 1)
	assert.Equal(t, "dns-01", auth.Challenges[0].Type)
}
