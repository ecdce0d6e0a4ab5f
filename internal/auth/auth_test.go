package auth

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestAuthenticate_ValidSignatureGrantsSession(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(PairedClient{
		ClientIdentity: "cli-1",
		PublicKey:      pub,
		Permissions:    v1.PermissionSet{v1.PermissionRead: true, v1.PermissionWrite: true},
	})

	authr := NewAuthenticator(registry, time.Minute)
	challenge, err := authr.IssueChallenge("conn-1")
	require.NoError(t, err)

	sig := ed25519.Sign(priv, challenge)
	session, err := authr.Authenticate("conn-1", "cli-1", sig)
	require.NoError(t, err)
	assert.Equal(t, "cli-1", session.ClientIdentity)
	assert.True(t, session.Permissions.Has(v1.PermissionRead))
	assert.True(t, session.Permissions.Has(v1.PermissionWrite))
	assert.False(t, session.Permissions.Has(v1.PermissionAdmin))
}

func TestAuthenticate_AdminImpliesReadAndWrite(t *testing.T) {
	perms := v1.PermissionSet{v1.PermissionAdmin: true}
	assert.True(t, perms.Has(v1.PermissionRead))
	assert.True(t, perms.Has(v1.PermissionWrite))
	assert.True(t, perms.Has(v1.PermissionAdmin))
}

func TestAuthenticate_WrongSignatureRejected(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(PairedClient{ClientIdentity: "cli-1", PublicKey: pub, Permissions: v1.PermissionSet{v1.PermissionRead: true}})

	authr := NewAuthenticator(registry, time.Minute)
	challenge, err := authr.IssueChallenge("conn-1")
	require.NoError(t, err)

	badSig := ed25519.Sign(otherPriv, challenge)
	_, err = authr.Authenticate("conn-1", "cli-1", badSig)
	assert.Error(t, err)
}

func TestAuthenticate_ChallengeConsumedOnce(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(PairedClient{ClientIdentity: "cli-1", PublicKey: pub, Permissions: v1.PermissionSet{v1.PermissionRead: true}})

	authr := NewAuthenticator(registry, time.Minute)
	challenge, err := authr.IssueChallenge("conn-1")
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challenge)

	_, err = authr.Authenticate("conn-1", "cli-1", sig)
	require.NoError(t, err)

	_, err = authr.Authenticate("conn-1", "cli-1", sig)
	assert.Error(t, err, "the same challenge must not verify twice")
}

func TestAuthenticate_ExpiredChallengeRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(PairedClient{ClientIdentity: "cli-1", PublicKey: pub, Permissions: v1.PermissionSet{v1.PermissionRead: true}})

	authr := NewAuthenticator(registry, 10*time.Millisecond)
	challenge, err := authr.IssueChallenge("conn-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	sig := ed25519.Sign(priv, challenge)
	_, err = authr.Authenticate("conn-1", "cli-1", sig)
	assert.Error(t, err)
}

func TestAuthenticate_UnknownClientRejected(t *testing.T) {
	registry := NewRegistry()
	authr := NewAuthenticator(registry, time.Minute)
	_, err := authr.IssueChallenge("conn-1")
	require.NoError(t, err)

	_, err = authr.Authenticate("conn-1", "nobody", []byte("sig"))
	assert.Error(t, err)
}
