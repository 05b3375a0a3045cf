package tonproof

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/url"
	"time"

	"github.com/tonkeeper/tongo"

	"tonbridge/internal/interfaces"
	"tonbridge/internal/models"
)

const (
	tonProofPrefix   = "ton-proof-item-v2/"
	tonConnectPrefix = "ton-connect"

	// MaxProofAge bounds how far in the past a proof timestamp may lie
	// before verification refuses it.
	MaxProofAge = 24 * time.Hour
)

// DomainFromOrigin turns a web origin into the domain struct embedded in
// the signed proof message.
func DomainFromOrigin(origin string) (models.TonDomain, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return models.TonDomain{}, err
	}
	host := u.Host
	if host == "" {
		// bare host form, e.g. a WebView origin
		host = u.Path
	}
	if host == "" {
		return models.TonDomain{}, errors.New("empty origin")
	}
	return models.TonDomain{LengthBytes: uint32(len(host)), Value: host}, nil
}

// CreateMessage assembles the exact byte sequence signed by the wallet:
// sha256(0xffff || "ton-connect" || sha256("ton-proof-item-v2/" || wc ||
// addr || domain || ts || payload)).
func CreateMessage(message *models.TonProofMessage) ([]byte, error) {
	wc := make([]byte, 4)
	binary.BigEndian.PutUint32(wc, uint32(message.Workchain))

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(message.Timestamp))

	dl := make([]byte, 4)
	binary.LittleEndian.PutUint32(dl, message.Domain.LengthBytes)

	m := []byte(tonProofPrefix)
	m = append(m, wc...)
	m = append(m, message.Address...)
	m = append(m, dl...)
	m = append(m, []byte(message.Domain.Value)...)
	m = append(m, ts...)
	m = append(m, []byte(message.Payload)...)
	messageHash := sha256.Sum256(m)

	full := []byte{0xff, 0xff}
	full = append(full, []byte(tonConnectPrefix)...)
	full = append(full, messageHash[:]...)
	res := sha256.Sum256(full)
	return res[:], nil
}

func SignatureVerify(pubkey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pubkey, message, signature)
}

// BuildReply signs an origin-bound challenge with the wallet capability
// and shapes it as the ton_proof connect-item reply.
func BuildReply(ctx context.Context, signer interfaces.Signer, origin, payload string) (*models.TonProofReply, error) {
	domain, err := DomainFromOrigin(origin)
	if err != nil {
		return nil, err
	}

	addr, err := tongo.ParseAddress(signer.Address())
	if err != nil {
		return nil, err
	}

	msg := &models.TonProofMessage{
		Workchain: addr.ID.Workchain,
		Address:   addr.ID.Address[:],
		Timestamp: time.Now().Unix(),
		Domain:    domain,
		Payload:   payload,
		StateInit: signer.StateInit(),
	}

	digest, err := CreateMessage(msg)
	if err != nil {
		return nil, err
	}

	sig, err := signer.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}

	return &models.TonProofReply{
		Timestamp: msg.Timestamp,
		Domain:    domain,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Payload:   payload,
		StateInit: msg.StateInit,
	}, nil
}

// ParseReply decodes a wire-shaped reply back into the verifiable message
// form for the given wallet address.
func ParseReply(address string, reply *models.TonProofReply) (*models.TonProofMessage, error) {
	addr, err := tongo.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(reply.Signature)
	if err != nil {
		return nil, err
	}
	return &models.TonProofMessage{
		Workchain: addr.ID.Workchain,
		Address:   addr.ID.Address[:],
		Timestamp: reply.Timestamp,
		Domain:    reply.Domain,
		Signature: sig,
		Payload:   reply.Payload,
		StateInit: reply.StateInit,
	}, nil
}

// Verify checks a parsed proof message against a public key. Expiry is
// enforced here; nonce replay is the caller's concern.
func Verify(pubkey ed25519.PublicKey, msg *models.TonProofMessage) (bool, error) {
	if time.Now().After(time.Unix(msg.Timestamp, 0).Add(MaxProofAge)) {
		return false, errors.New("proof has expired")
	}
	digest, err := CreateMessage(msg)
	if err != nil {
		return false, err
	}
	return SignatureVerify(pubkey, digest, msg.Signature), nil
}
