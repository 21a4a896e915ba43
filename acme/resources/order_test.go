package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStringReturnsID(t *testing.T) {
	o := Order{ID: "https://example.com/acme/order/1"}
	assert.Equal(t, "https://example.com/acme/order/1", o.String())
}

func TestOrderCarriesIdentifiersAndAccount(t *testing.T) {
	acct := &Account{ID: "https://example.com/acme/acct/1"}
	o := Order{
		ID:             "https://example.com/acme/order/1",
		Status:         "pending",
		Identifiers:    []Identifier{{Type: "dns", Value: "example.com"}},
		Account:        acct,
		Authorizations: []string{"https://example.com/acme/authz/1"},
		Finalize:       "https://example.com/acme/order/1/finalize",
	}

	assert.Same(t, acct, o.Account)
	assert.Equal(t, "example.com", o.Identifiers[0].Value)
	assert.Empty(t, o.Certificate)
}
