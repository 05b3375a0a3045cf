package tonproof

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0:83dfd552e63929b1c8e8f0ab8eb6d13cd665ba7a2b1e3bae2f30f1c0a8f34f46"

type testSigner struct {
	pub ed25519.PublicKey
	key ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{pub: pub, key: key}
}

func (s *testSigner) WalletID() string             { return testAddress }
func (s *testSigner) Address() string              { return testAddress }
func (s *testSigner) PublicKey() ed25519.PublicKey { return s.pub }
func (s *testSigner) StateInit() string            { return "te6cc" }
func (s *testSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

func TestDomainFromOrigin(t *testing.T) {
	d, err := DomainFromOrigin("https://app.example.com")
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", d.Value)
	assert.Equal(t, uint32(len("app.example.com")), d.LengthBytes)
}

func TestDomainFromOriginBareHost(t *testing.T) {
	d, err := DomainFromOrigin("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d.Value)
}

func TestDomainFromOriginEmpty(t *testing.T) {
	_, err := DomainFromOrigin("")
	assert.Error(t, err)
}

func TestBuildAndVerify(t *testing.T) {
	signer := newTestSigner(t)

	reply, err := BuildReply(context.Background(), signer, "https://dapp.example.com", "nonce-123")
	require.NoError(t, err)
	assert.Equal(t, "nonce-123", reply.Payload)
	assert.Equal(t, "dapp.example.com", reply.Domain.Value)
	assert.Equal(t, signer.StateInit(), reply.StateInit)

	msg, err := ParseReply(testAddress, reply)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWrongKey(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	reply, err := BuildReply(context.Background(), signer, "https://dapp.example.com", "nonce")
	require.NoError(t, err)

	msg, err := ParseReply(testAddress, reply)
	require.NoError(t, err)

	ok, err := Verify(other.PublicKey(), msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTamperedPayload(t *testing.T) {
	signer := newTestSigner(t)

	reply, err := BuildReply(context.Background(), signer, "https://dapp.example.com", "nonce")
	require.NoError(t, err)
	reply.Payload = "forged"

	msg, err := ParseReply(testAddress, reply)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyExpired(t *testing.T) {
	signer := newTestSigner(t)

	reply, err := BuildReply(context.Background(), signer, "https://dapp.example.com", "nonce")
	require.NoError(t, err)
	reply.Timestamp = time.Now().Add(-MaxProofAge - time.Hour).Unix()

	msg, err := ParseReply(testAddress, reply)
	require.NoError(t, err)

	_, err = Verify(signer.PublicKey(), msg)
	assert.Error(t, err)
}
