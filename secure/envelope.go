package secure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrEnvelope = errors.New("envelope error")

// KeySize is the envelope key length.
const KeySize = chacha20poly1305.KeySize

// envelopeMagic prefixes every encrypted frame. Plaintext protocol frames
// are JSON and start with '{', so the prefix is unambiguous.
var envelopeMagic = []byte("JIM1")

// Seal encrypts one serialized message: magic || nonce || ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	out := make([]byte, 0, len(envelopeMagic)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a sealed frame. Tampered or foreign-key frames fail.
func Open(key, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	min := len(envelopeMagic) + aead.NonceSize() + aead.Overhead()
	if len(frame) < min || !IsEncrypted(frame) {
		return nil, fmt.Errorf("%w: frame is not a sealed envelope", ErrEnvelope)
	}
	nonce := frame[len(envelopeMagic) : len(envelopeMagic)+aead.NonceSize()]
	ciphertext := frame[len(envelopeMagic)+aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrEnvelope, err)
	}
	return plain, nil
}

// IsEncrypted reports whether a frame carries the envelope prefix. The
// receiver uses it to tell a plaintext handshake response from sealed
// payload traffic.
func IsEncrypted(frame []byte) bool {
	return bytes.HasPrefix(frame, envelopeMagic)
}
