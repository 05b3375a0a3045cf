package interfaces

import (
	"context"
	"crypto/ed25519"

	"github.com/go-redis/redis_rate/v10"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) error
}

// Signer is the opaque wallet signing capability. The bridge never sees
// key material, only this surface.
type Signer interface {
	WalletID() string
	Address() string
	PublicKey() ed25519.PublicKey
	StateInit() string
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// SessionCipher is the opaque crypto capability of one http bridge
// session.
type SessionCipher interface {
	SessionID() string
	Encrypt(plaintext []byte, peerID string) ([]byte, error)
	Decrypt(ciphertext []byte, peerID string) ([]byte, error)
}
