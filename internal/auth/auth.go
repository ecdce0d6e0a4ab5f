package auth

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// PairedClient is a registered client identity: the public key that must
// sign every connection's challenge, and the permissions its pairing
// token grants.
type PairedClient struct {
	ClientIdentity string
	PublicKey      ed25519.PublicKey
	Permissions    v1.PermissionSet
}

// Registry holds every paired client known to the control plane. Entries
// are seeded at startup from the daemon's configured pairing list and
// grown by the admin-only agent.register-adjacent pairing flow.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]PairedClient
}

// NewRegistry builds an empty pairing Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]PairedClient)}
}

// Register adds or replaces a paired client.
func (r *Registry) Register(client PairedClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ClientIdentity] = client
}

// Lookup returns the paired client for identity, if any.
func (r *Registry) Lookup(identity string) (PairedClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[identity]
	return c, ok
}

// Authenticator runs the hello/challenge/signature handshake and mints
// Sessions for clients that pass it.
type Authenticator struct {
	registry   *Registry
	challenges *ChallengeStore
}

// NewAuthenticator builds an Authenticator over a pairing Registry and
// challenge TTL.
func NewAuthenticator(registry *Registry, challengeTTL time.Duration) *Authenticator {
	return &Authenticator{
		registry:   registry,
		challenges: NewChallengeStore(challengeTTL),
	}
}

// IssueChallenge generates the 32-byte nonce a connecting client must sign,
// keyed by connID (typically the socket's remote address or a per-connection
// identifier minted by the transport layer).
func (a *Authenticator) IssueChallenge(connID string) ([]byte, error) {
	return a.challenges.Issue(connID)
}

// Authenticate consumes connID's outstanding challenge, verifies signature
// was produced by clientIdentity's paired public key, and returns a fresh
// Session carrying that client's permissions.
func (a *Authenticator) Authenticate(connID, clientIdentity string, signature []byte) (*v1.Session, error) {
	challengeValue, err := a.challenges.Consume(connID)
	if err != nil {
		return nil, err
	}

	client, ok := a.registry.Lookup(clientIdentity)
	if !ok {
		return nil, fmt.Errorf("auth: unknown client identity %q", clientIdentity)
	}

	if !ed25519.Verify(client.PublicKey, challengeValue, signature) {
		return nil, fmt.Errorf("auth: signature verification failed for client %q", clientIdentity)
	}

	now := time.Now().UTC()
	return &v1.Session{
		ID:             uuid.New().String(),
		ClientIdentity: clientIdentity,
		Permissions:    client.Permissions,
		ConnectedAt:    now,
		LastActivity:   now,
		Subscriptions:  make(map[string]bool),
	}, nil
}
