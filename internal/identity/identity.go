// CRC: crc-PeerIdentity.md
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the node's keypair and the peer ID derived from it.
// It never changes after creation.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return FromPrivKey(priv)
}

// FromPrivKey wraps an existing private key.
func FromPrivKey(priv crypto.PrivKey) (*Identity, error) {
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return &Identity{priv: priv, id: pid}, nil
}

// Decode restores an identity from its encoded form (see Encode).
func Decode(encoded string) (*Identity, error) {
	keyBytes, err := crypto.ConfigDecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer key: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer key: %w", err)
	}
	return FromPrivKey(priv)
}

// LoadOrGenerate decodes encoded, or generates a new identity when it is empty.
// The second result reports whether a new identity was generated.
func LoadOrGenerate(encoded string) (*Identity, bool, error) {
	if encoded == "" {
		id, err := Generate()
		return id, true, err
	}
	id, err := Decode(encoded)
	return id, false, err
}

// Encode returns the base64 protobuf form of the private key, suitable for settings.
func (i *Identity) Encode() (string, error) {
	keyBytes, err := crypto.MarshalPrivateKey(i.priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return crypto.ConfigEncodeKey(keyBytes), nil
}

// PrivKey returns the private key for host construction.
func (i *Identity) PrivKey() crypto.PrivKey {
	return i.priv
}

// ID returns the peer ID.
func (i *Identity) ID() peer.ID {
	return i.id
}
