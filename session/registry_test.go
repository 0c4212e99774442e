package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/domain"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	tokens, err := NewTokens("secret", []string{"admin-key"}, nil, nil)
	require.NoError(t, err)
	if opts.MaxPseudoLength == 0 {
		opts.MinPseudoLength, opts.MaxPseudoLength = 1, 20
	}
	return NewRegistry(tokens, opts)
}

func TestIdentifyMintsTokenAndAuthenticates(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Open("c1")

	s, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, Connected, s.State)

	id, err := r.Identify("c1", "  alice  ", "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Pseudo)
	assert.Equal(t, domain.RoleUser, id.Role)
	assert.True(t, id.Minted)
	assert.NotEmpty(t, id.Token)

	s, _ = r.Get("c1")
	assert.Equal(t, Authenticated, s.State)
	assert.Equal(t, "alice", s.Pseudo)

	// reconnect with the minted token
	r.Open("c2")
	again, err := r.Identify("c2", "alice", id.Token, "")
	require.NoError(t, err)
	assert.False(t, again.Minted)
	assert.Equal(t, id.Token, again.Token)
}

func TestIdentifyRejectionsKeepState(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Open("c1")

	for _, bad := range []string{"", "   ", strings.Repeat("a", 21), "bad!name", "émile"} {
		_, err := r.Identify("c1", bad, "", "")
		assert.ErrorIs(t, err, domain.ErrInvalidIdentity, bad)
	}
	id, err := r.Identify("c1", "alice", "", "")
	require.NoError(t, err)

	r.Open("c2")
	_, err = r.Identify("c2", "bob", id.Token, "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	s, _ := r.Get("c2")
	assert.Equal(t, Connected, s.State)
}

func TestIdentifyRoleResolution(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Open("c1")

	id, err := r.Identify("c1", "root", "admin-key", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, id.Role, "role recovered from credential")

	id, err = r.Identify("c1", "root", "admin-key", domain.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, id.Role, "explicit role wins")

	id, err = r.Identify("c1", "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, id.Role)
}

func TestRoleFromCredentialOnly(t *testing.T) {
	r := newTestRegistry(t, Options{MinPseudoLength: 1, MaxPseudoLength: 20, RoleFromCredentialOnly: true})
	r.Open("c1")

	id, err := r.Identify("c1", "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, id.Role)
}

func TestSetBoardAndCloseIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Open("c1")

	prev, ok := r.SetBoard("c1", "home")
	require.True(t, ok)
	assert.Empty(t, prev)
	prev, _ = r.SetBoard("c1", "work")
	assert.Equal(t, "home", prev)

	s, ok := r.Close("c1")
	require.True(t, ok)
	assert.Equal(t, "work", s.BoardID)
	assert.True(t, s.InRoom())

	_, ok = r.Close("c1")
	assert.False(t, ok)
	_, ok = r.SetBoard("c1", "home")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}
