package secure

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Handshake wire exchange (client initiated):
//
//	C -> S  Auth{step:1, data1: b64(client X25519 public)}
//	S -> C  Response(202, data: Challenge{server_key, nonce})
//	C -> S  Auth{step:2, data1: username, data2: b64(HMAC(passkey, nonce))}
//	S -> C  Response(200) on proof match, Response(402) otherwise
//
// Both sides derive the session key from the X25519 shared secret and the
// challenge nonce; the password proof authenticates the key agreement.

var ErrHandshake = errors.New("handshake error")

const (
	challengeLen = 32
	sessionInfo  = "jim/1 session key"
)

// Challenge is the 202 response payload of handshake step 2.
type Challenge struct {
	ServerKey string `json:"server_key"` // base64 X25519 public key
	Nonce     string `json:"nonce"`      // base64 random challenge
}

// NewChallenge generates the server's ephemeral key pair and challenge nonce
// for one connection.
func NewChallenge() (*KeyPair, Challenge, []byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, Challenge{}, nil, err
	}
	nonce := make([]byte, challengeLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, Challenge{}, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ch := Challenge{
		ServerKey: base64.StdEncoding.EncodeToString(eph.Public[:]),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
	}
	return eph, ch, nonce, nil
}

// Proof computes the password proof for a challenge nonce.
func Proof(passKey, nonce []byte) []byte {
	mac := hmac.New(sha256.New, passKey)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyProof compares a received proof in constant time.
func VerifyProof(passKey, nonce, proof []byte) bool {
	return hmac.Equal(Proof(passKey, nonce), proof)
}

// SessionKey derives the symmetric envelope key from our private key, the
// peer's public key and the challenge nonce. Client and server arrive at the
// same key; the nonce salts the derivation so reconnects never reuse keys
// even with static client keys.
func SessionKey(private, peerPublic [32]byte, nonce []byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrHandshake, err)
	}
	r := hkdf.New(sha256.New, shared, nonce, []byte(sessionInfo))
	key := make([]byte, KeySize)
	if _, err := r.Read(key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrHandshake, err)
	}
	return key, nil
}

// DecodeKey parses a base64 X25519 public key from an auth frame.
func DecodeKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return key, fmt.Errorf("%w: bad public key", ErrHandshake)
	}
	copy(key[:], raw)
	return key, nil
}

// DecodeProof parses a base64 password proof from an auth frame.
func DecodeProof(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("%w: bad proof", ErrHandshake)
	}
	return raw, nil
}
