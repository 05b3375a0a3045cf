// Package sessioncrypto implements the http bridge session cipher: an
// x25519 keypair per session, nacl box sealing with a random 24-byte nonce
// prefix, hex-encoded peer ids. Everything outside this package treats the
// keys as opaque.
package sessioncrypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"

	"tonbridge/internal/models"
)

const nonceSize = 24

var ErrDecrypt = errors.New("cannot decrypt bridge message")

type Session struct {
	publicKey *[32]byte
	secretKey *[32]byte
}

// NewSession generates a fresh session keypair.
func NewSession() (*Session, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Session{publicKey: pub, secretKey: sec}, nil
}

// FromKeys restores a session from stored connection keys.
func FromKeys(keys *models.SessionKeys) (*Session, error) {
	if keys == nil {
		return nil, errors.New("missing session keys")
	}
	pub, err := decodeKey(keys.PublicKey)
	if err != nil {
		return nil, err
	}
	sec, err := decodeKey(keys.SecretKey)
	if err != nil {
		return nil, err
	}
	return &Session{publicKey: pub, secretKey: sec}, nil
}

func decodeKey(s string) (*[32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("bad key length")
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// Keys exports the keypair in the storable form.
func (s *Session) Keys() *models.SessionKeys {
	return &models.SessionKeys{
		PublicKey: hex.EncodeToString(s.publicKey[:]),
		SecretKey: hex.EncodeToString(s.secretKey[:]),
	}
}

// SessionID is the hex public key; it doubles as the bridge client id.
func (s *Session) SessionID() string {
	return hex.EncodeToString(s.publicKey[:])
}

func (s *Session) Encrypt(plaintext []byte, peerID string) ([]byte, error) {
	peer, err := decodeKey(peerID)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plaintext, &nonce, peer, s.secretKey), nil
}

func (s *Session) Decrypt(ciphertext []byte, peerID string) ([]byte, error) {
	peer, err := decodeKey(peerID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) <= nonceSize {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plain, ok := box.Open(nil, ciphertext[nonceSize:], &nonce, peer, s.secretKey)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
