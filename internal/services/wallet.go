package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/tonkeeper/tongo"

	"tonbridge/internal/datastore/redis_store"
	"tonbridge/internal/interfaces"
	"tonbridge/internal/models"
	"tonbridge/internal/pkg/tonproof"
)

// LocalSigner holds an in-process ed25519 key. It exists so the daemon
// can run stand-alone; any other Signer (hardware, remote keeper) drops in
// through the same interface.
type LocalSigner struct {
	address   string
	stateInit string
	key       ed25519.PrivateKey
}

func NewLocalSigner(seedHex, address, stateInit string) (*LocalSigner, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("wallet seed must be 32 bytes")
	}
	if _, err := tongo.ParseAddress(address); err != nil {
		return nil, err
	}
	return &LocalSigner{
		address:   address,
		stateInit: stateInit,
		key:       ed25519.NewKeyFromSeed(seed),
	}, nil
}

func (s *LocalSigner) WalletID() string { return s.address }

func (s *LocalSigner) Address() string { return s.address }

func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *LocalSigner) StateInit() string { return s.stateInit }

func (s *LocalSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// ServiceWallet exposes the active wallet to the rest of the bridge:
// identity, device info and the connect-item replies built from the
// signing capability.
type ServiceWallet struct {
	signer  interfaces.Signer
	redisDB redis.UniversalClient
	network string
	version string
}

func NewServiceWallet(container *do.Injector) (*ServiceWallet, error) {
	signer, err := do.Invoke[interfaces.Signer](container)
	if err != nil {
		return nil, err
	}

	redisDB, err := do.InvokeNamed[redis.UniversalClient](container, "redis-db")
	if err != nil {
		return nil, err
	}

	vs, err := do.InvokeNamed[map[string]string](container, "envs")
	if err != nil {
		return nil, err
	}

	network := vs["TON_NETWORK"]
	if network == "" {
		network = NETWORK_MAINNET
	}
	version := vs["APP_VERSION"]
	if version == "" {
		version = "dev"
	}

	return &ServiceWallet{signer: signer, redisDB: redisDB, network: network, version: version}, nil
}

func (service *ServiceWallet) WalletID() string { return service.signer.WalletID() }

func (service *ServiceWallet) DeviceInfo() models.DeviceInfo {
	return models.DeviceInfo{
		Platform:           PLATFORM_BROWSER,
		AppName:            APP_NAME,
		AppVersion:         service.version,
		MaxProtocolVersion: 2,
		Features:           []string{"SendTransaction", "SignData"},
	}
}

func (service *ServiceWallet) Account() models.Account {
	return models.Account{
		Address:   service.signer.Address(),
		Chain:     service.network,
		PublicKey: hex.EncodeToString(service.signer.PublicKey()),
	}
}

// AddressReply answers a ton_addr connect item.
func (service *ServiceWallet) AddressReply() models.ConnectItemReply {
	account := service.Account()
	return models.ConnectItemReply{
		Name:            models.ItemTonAddr,
		Address:         account.Address,
		Network:         account.Chain,
		PublicKey:       account.PublicKey,
		WalletStateInit: service.signer.StateInit(),
	}
}

// ProofReply answers a ton_proof connect item by signing the origin-bound
// challenge. Always gated behind explicit user approval by the router. A
// challenge already signed within the nonce window is refused; the same
// payload must never produce two signatures.
func (service *ServiceWallet) ProofReply(ctx context.Context, origin, payload string) (*models.ConnectItemReply, error) {
	if payload != "" && service.redisDB != nil {
		seen, err := redis_store.GetProofNonce(ctx, service.redisDB, service.WalletID(), payload)
		if err != nil {
			return nil, err
		}
		if seen != "" {
			return nil, models.ErrBadRequest("proof challenge already used")
		}
	}

	proof, err := tonproof.BuildReply(ctx, service.signer, origin, payload)
	if err != nil {
		return nil, err
	}

	if payload != "" && service.redisDB != nil {
		if err := redis_store.SetProofNonce(ctx, service.redisDB, service.WalletID(), payload, PROOF_NONCE_TTL); err != nil {
			return nil, err
		}
	}
	return &models.ConnectItemReply{Name: models.ItemTonProof, Proof: proof}, nil
}
