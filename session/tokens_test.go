package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/domain"
)

func TestMintedTokenBindsPseudo(t *testing.T) {
	tokens, err := NewTokens("secret", nil, nil, nil)
	require.NoError(t, err)

	tok, err := tokens.Mint("alice")
	require.NoError(t, err)

	role, err := tokens.Resolve(tok, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, role)

	_, err = tokens.Resolve(tok, "mallory")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestStaticTokens(t *testing.T) {
	tokens, err := NewTokens("", []string{"root-key"}, []string{"guest-key"}, nil)
	require.NoError(t, err)

	role, err := tokens.Resolve("root-key", "anyone")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)

	role, err = tokens.Resolve("guest-key", "someone")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, role)

	_, err = tokens.Resolve("made-up", "someone")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestTokenSurvivesRestartWithSameSecret(t *testing.T) {
	before, err := NewTokens("shared", nil, nil, nil)
	require.NoError(t, err)
	tok, err := before.Mint("alice")
	require.NoError(t, err)

	after, err := NewTokens("shared", nil, nil, nil)
	require.NoError(t, err)
	role, err := after.Resolve(tok, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, role)
	assert.Equal(t, 1, after.Issued())

	_, err = after.Resolve(tok, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	other, err := NewTokens("other", nil, nil, nil)
	require.NoError(t, err)
	tok, err := other.Mint("alice")
	require.NoError(t, err)

	mine, err := NewTokens("mine", nil, nil, nil)
	require.NoError(t, err)
	_, err = mine.Resolve(tok, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}
