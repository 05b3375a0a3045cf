package services

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/uptrace/bun"

	"tonbridge/internal/datastore"
	"tonbridge/internal/datastore/redis_store"
	"tonbridge/internal/models"
	"tonbridge/internal/pkg/caching"
	"tonbridge/internal/pkg/eventbus"
)

// EventConnectionsChanged fires on the changed bus after every mutation,
// strictly after the store write completed. The SSE session refreshes on
// it.
const EventConnectionsChanged = "connectionsChanged"

// ServiceConnections owns the origin -> connection mapping and the dApp
// manifest fetch. All mutation happens through it.
type ServiceConnections struct {
	redisDB    redis.UniversalClient
	cache      caching.Cache
	rs         *redsync.Redsync
	httpClient *httpclient.Client
	postgresDB *bun.DB
	changed    *eventbus.Bus[string]
}

func NewServiceConnections(container *do.Injector) (*ServiceConnections, error) {
	redisDB, err := do.InvokeNamed[redis.UniversalClient](container, "redis-db")
	if err != nil {
		return nil, err
	}

	cache, err := do.Invoke[caching.Cache](container)
	if err != nil {
		return nil, err
	}

	rs, err := do.Invoke[*redsync.Redsync](container)
	if err != nil {
		return nil, err
	}

	httpClient, err := do.Invoke[*httpclient.Client](container)
	if err != nil {
		return nil, err
	}

	postgresDB, err := do.Invoke[*bun.DB](container)
	if err != nil {
		return nil, err
	}

	return &ServiceConnections{redisDB, cache, rs, httpClient, postgresDB, eventbus.New[string]()}, nil
}

func (service *ServiceConnections) Changed() *eventbus.Bus[string] {
	return service.changed
}

// Get returns the most recent connection for the origin, or nil.
func (service *ServiceConnections) Get(ctx context.Context, origin string) (*models.Connection, error) {
	return redis_store.GetConnection(ctx, service.redisDB, origin)
}

// Save upserts the connection. CreatedAt is refreshed here: rebinding an
// existing (origin, wallet) pair bumps the freshness marker instead of
// duplicating the record.
func (service *ServiceConnections) Save(ctx context.Context, conn *models.Connection) error {
	conn.CreatedAt = time.Now()
	if err := redis_store.SaveConnection(ctx, service.redisDB, conn); err != nil {
		return err
	}
	service.changed.Emit(EventConnectionsChanged, conn.Origin)
	return nil
}

// Remove drops (origin, wallet); empty walletID drops the origin entirely.
// Removing a missing entry is a no-op, so disconnect is idempotent.
func (service *ServiceConnections) Remove(ctx context.Context, origin, walletID string) error {
	if err := redis_store.RemoveConnection(ctx, service.redisDB, origin, walletID); err != nil {
		return err
	}
	service.changed.Emit(EventConnectionsChanged, origin)
	return nil
}

func (service *ServiceConnections) ListByWallet(ctx context.Context, walletID string) ([]*models.Connection, error) {
	return redis_store.ListConnectionsByWallet(ctx, service.redisDB, walletID)
}

// ListHTTPByWallet keeps only remote-bridge connections; these drive the
// SSE subscription set.
func (service *ServiceConnections) ListHTTPByWallet(ctx context.Context, walletID string) ([]*models.Connection, error) {
	all, err := service.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	https := make([]*models.Connection, 0, len(all))
	for _, c := range all {
		if c.Type == models.ConnectionTypeHTTP {
			https = append(https, c)
		}
	}
	return https, nil
}

// LockConnect serializes connect/reconnect flows per origin across
// processes. The returned closure releases the lock.
func (service *ServiceConnections) LockConnect(ctx context.Context, origin string) (func(), error) {
	mutex := service.rs.NewMutex(LockKeyConnect(origin), redsync.WithExpiry(CONNECT_LOCK_EXPIRY), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, ErrConnectLock
	}
	return func() {
		//nolint:errcheck
		mutex.UnlockContext(context.Background())
	}, nil
}

// FetchManifest loads and validates the dApp manifest, cached briefly so
// repeated connects do not hammer the dApp host. The content itself stays
// untrusted.
func (service *ServiceConnections) FetchManifest(ctx context.Context, url string) (*models.DappManifest, error) {
	if url == "" {
		return nil, models.ErrBadRequest("missing manifestUrl")
	}

	return caching.UseCache(ctx, service.cache, CacheKeyManifest(url), MANIFEST_CACHE_TTL, func() (*models.DappManifest, error) {
		resp, err := service.httpClient.Get(url, nil)
		if err != nil {
			return nil, models.NewBridgeError(models.CodeManifestNotFound, "cannot fetch app manifest")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, models.NewBridgeError(models.CodeManifestNotFound, "cannot fetch app manifest")
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, models.NewBridgeError(models.CodeManifestContent, "cannot read app manifest")
		}

		var manifest models.DappManifest
		if err := json.Unmarshal(body, &manifest); err != nil {
			return nil, models.NewBridgeError(models.CodeManifestContent, "app manifest is not valid JSON")
		}
		if manifest.URL == "" || manifest.Name == "" {
			return nil, models.NewBridgeError(models.CodeManifestContent, "app manifest is missing url or name")
		}
		return &manifest, nil
	})
}

// Audit records a durable lifecycle row, best effort: audit failures never
// fail the request that produced them.
func (service *ServiceConnections) Audit(ctx context.Context, ev *models.ConnectionEvent) {
	if _, err := datastore.RecordConnectionEvent(ctx, service.postgresDB, ev); err != nil {
		log.Printf("audit: cannot record %s for %s: %v", ev.Kind, ev.Origin, err)
	}
}
