// Package secure turns an unauthenticated byte stream into an authenticated,
// encrypted channel: an X25519 agreement bound to a salted-challenge HMAC
// password proof, with a ChaCha20-Poly1305 envelope for everything after the
// handshake.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"
)

var ErrKeyStore = errors.New("key store error")

const (
	passKeyIter = 10000
	passKeyLen  = 32
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyStore keeps one X25519 key file per user under a directory. Files hold
// the hex private key and are created with 0600.
type KeyStore struct {
	dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

// LoadOrCreate returns the user's key pair, generating and persisting one on
// first use.
func (ks *KeyStore) LoadOrCreate(username string) (*KeyPair, error) {
	if strings.ContainsAny(username, "/\\") || username == "" {
		return nil, fmt.Errorf("%w: bad username %q", ErrKeyStore, username)
	}
	path := filepath.Join(ks.dir, username+".key")

	raw, err := os.ReadFile(path)
	if err == nil {
		priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(priv) != 32 {
			return nil, fmt.Errorf("%w: corrupt key file %s", ErrKeyStore, path)
		}
		kp := &KeyPair{}
		copy(kp.Private[:], priv)
		pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
		copy(kp.Public[:], pub)
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyStore, path, err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrKeyStore, path, err)
	}
	return kp, nil
}

// PassKey derives the stored password key from the password salted with the
// username. Both sides compute it independently; the password itself never
// crosses the wire and is never persisted.
func PassKey(username, password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(username), passKeyIter, passKeyLen, sha256.New)
}
