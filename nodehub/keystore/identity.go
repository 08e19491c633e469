package keystore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// Identity is the public identity derived from a node signing key.
type Identity struct {
	PeerID    string            // libp2p-style peer id, base58 identity multihash
	DID       string            // did:key form of the public key
	PublicKey ed25519.PublicKey // raw public key
}

// ErrInvalidPeerID is returned by ParsePeerID for ids that do not embed an
// ed25519 public key.
var ErrInvalidPeerID = errors.New("keystore: invalid peer id")

var (
	// Protobuf prefix of a libp2p PublicKey{Type: Ed25519, Data: <32 bytes>}.
	ed25519KeyPrefix = []byte{0x08, 0x01, 0x12, 0x20}
	// Multicodec varint for ed25519-pub.
	ed25519Multicodec = []byte{0xed, 0x01}
)

// DeriveIdentity computes the peer id and DID of pub. Keys this short are
// inlined in the peer id with the identity multihash.
func DeriveIdentity(pub ed25519.PublicKey) (Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("keystore: public key has %d bytes, expected %d", len(pub), ed25519.PublicKeySize)
	}

	encoded := append(append([]byte{}, ed25519KeyPrefix...), pub...)
	hash, err := mh.Sum(encoded, mh.IDENTITY, -1)
	if err != nil {
		return Identity{}, fmt.Errorf("keystore: failed to hash public key: %w", err)
	}

	did, err := multibase.Encode(multibase.Base58BTC, append(append([]byte{}, ed25519Multicodec...), pub...))
	if err != nil {
		return Identity{}, fmt.Errorf("keystore: failed to encode did: %w", err)
	}

	return Identity{
		PeerID:    base58.Encode(hash),
		DID:       "did:key:" + did,
		PublicKey: append(ed25519.PublicKey{}, pub...),
	}, nil
}

// ParsePeerID recovers the public key embedded in a peer id produced by
// DeriveIdentity.
func ParsePeerID(id string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	decoded, err := mh.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if decoded.Code != mh.IDENTITY {
		return nil, fmt.Errorf("%w: unsupported multihash code 0x%x", ErrInvalidPeerID, decoded.Code)
	}
	if !bytes.HasPrefix(decoded.Digest, ed25519KeyPrefix) || len(decoded.Digest) != len(ed25519KeyPrefix)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidPeerID)
	}
	return ed25519.PublicKey(decoded.Digest[len(ed25519KeyPrefix):]), nil
}
