package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyFileName is the signing key file kept in every node data directory.
const KeyFileName = "node.key"

// ErrInvalidKeyFile is returned when an existing key file cannot be decoded.
var ErrInvalidKeyFile = errors.New("keystore: invalid key file")

// Provider loads a node signing key, creating it on first use. Repeated calls
// with the same path must return the same key.
type Provider interface {
	LoadOrGenerate(path string) (ed25519.PrivateKey, error)
}

// FileKeystore stores the ed25519 seed hex-encoded in a 0600 file.
type FileKeystore struct{}

// LoadOrGenerate reads the seed at path, generating and persisting a new one
// if the file does not exist yet.
func (FileKeystore) LoadOrGenerate(path string) (ed25519.PrivateKey, error) {
	key, err := readKey(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	// Write a complete temp file and hard-link it into place, so concurrent
	// first starts agree on a single key and never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), KeyFileName+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if os.IsExist(err) {
			return readKey(path)
		}
		return nil, fmt.Errorf("failed to install key file: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func readKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKeyFile, path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s: expected %d byte seed, got %d", ErrInvalidKeyFile, path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
