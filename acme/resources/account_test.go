package resources

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccountGeneratesKeyWhenNilProvided(t *testing.T) {
	acct, err := NewAccount([]string{"admin@example.com"}, nil)
	require.NoError(t, err)
	require.NotNil(t, acct.Signer)
	assert.Equal(t, []string{"mailto:admin@example.com"}, acct.Contact)
}

func TestNewAccountSkipsEmptyEmails(t *testing.T) {
	acct, err := NewAccount([]string{"", "admin@example.com", ""}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:admin@example.com"}, acct.Contact)
}

func TestNewAccountNoEmailsLeavesContactNil(t *testing.T) {
	acct, err := NewAccount(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, acct.Contact)
}

func TestAccountStringReturnsID(t *testing.T) {
	acct := Account{ID: "https://example.com/acme/acct/1"}
	assert.Equal(t, "https://example.com/acme/acct/1", acct.String())
}

func TestAccountDeactivated(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"valid", false},
		{"", false},
		{"deactivated", true},
		{"revoked", true},
	}
	for _, tt := range tests {
		acct := Account{Status: tt.status}
		assert.Equal(t, tt.want, acct.Deactivated(), tt.status)
	}
}

func TestAccountOrderURLRejectsEmptyOrders(t *testing.T) {
	acct := Account{}
	_, err := acct.OrderURL(0)
	require.Error(t, err)
}

func TestAccountOrderURLRejectsOutOfRange(t *testing.T) {
	acct := Account{Orders: []string{"https://example.com/acme/order/1"}}
	_, err := acct.OrderURL(1)
	require.Error(t, err)

	_, err = acct.OrderURL(-1)
	require.Error(t, err)
}

func TestAccountOrderURLReturnsIndexedURL(t *testing.T) {
	acct := Account{Orders: []string{
		"https://example.com/acme/order/1",
		"https://example.com/acme/order/2",
	}}
	url, err := acct.OrderURL(1)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/acme/order/2", url)
}

func TestSaveAccountRejectsNil(t *testing.T) {
	err := SaveAccount(filepath.Join(t.TempDir(), "acct.json"), nil)
	require.Error(t, err)
}

func TestSaveAndRestoreAccountRoundTrip(t *testing.T) {
	acct, err := NewAccount([]string{"admin@example.com"}, nil)
	require.NoError(t, err)
	acct.ID = "https://example.com/acme/acct/1"
	acct.Status = "valid"
	acct.Orders = []string{"https://example.com/acme/order/1"}

	path := filepath.Join(t.TempDir(), "acct.json")
	require.NoError(t, SaveAccount(path, acct))
	assert.Equal(t, path, acct.Path())

	restored, err := RestoreAccount(path)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, restored.ID)
	assert.Equal(t, acct.Status, restored.Status)
	assert.Equal(t, acct.Orders, restored.Orders)
	assert.Equal(t, path, restored.Path())
	assert.Equal(t, acct.Signer.Public(), restored.Signer.Public())
}

func TestRestoreAccountMissingFile(t *testing.T) {
	_, err := RestoreAccount(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}
