package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("master", tokenKeyInfo)
	require.NoError(t, err)
	k2, err := DeriveKey("master", tokenKeyInfo)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestDeriveKeyIndependentPurposes(t *testing.T) {
	k1, err := DeriveKey("master", "purpose-one")
	require.NoError(t, err)
	k2, err := DeriveKey("master", "purpose-two")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestMintVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("master-secret", "groupvault")
	require.NoError(t, err)

	token, err := v.Mint("alice", RoleMember, []string{"g1", "g2"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, RoleMember, id.Role)
	assert.Equal(t, []string{"g1", "g2"}, id.Groups)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v, err := NewVerifier("master-secret", "groupvault")
	require.NoError(t, err)

	token, err := v.Mint("alice", RoleMember, nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v1, err := NewVerifier("secret-one", "groupvault")
	require.NoError(t, err)
	v2, err := NewVerifier("secret-two", "groupvault")
	require.NoError(t, err)

	token, err := v1.Mint("alice", RoleAdmin, nil, time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v1, err := NewVerifier("master-secret", "other-service")
	require.NoError(t, err)
	v2, err := NewVerifier("master-secret", "groupvault")
	require.NoError(t, err)

	token, err := v1.Mint("alice", RoleAdmin, nil, time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, err := NewVerifier("master-secret", "groupvault")
	require.NoError(t, err)

	_, err = v.Verify("not-a-token")
	assert.Error(t, err)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "groupvault")
	assert.Error(t, err)
}

func TestCanAccessGroup(t *testing.T) {
	admin := Identity{Subject: "root", Role: RoleAdmin}
	assert.True(t, admin.CanAccessGroup("anything"))

	member := Identity{Subject: "alice", Role: RoleMember, Groups: []string{"g1"}}
	assert.True(t, member.CanAccessGroup("g1"))
	assert.False(t, member.CanAccessGroup("g2"))

	nobody := Identity{Subject: "bob", Role: RoleMember}
	assert.False(t, nobody.CanAccessGroup("g1"))
}
