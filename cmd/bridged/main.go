package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tonbridge/internal/api/handler"
	"tonbridge/internal/bridge"
	"tonbridge/internal/datastore"
	"tonbridge/internal/datastore/redis_store"
	"tonbridge/internal/interfaces"
	"tonbridge/internal/models"
	"tonbridge/internal/pkg/caching"
	"tonbridge/internal/pkg/limiter"
	"tonbridge/internal/services"
	"tonbridge/internal/transport"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/hiendaovinh/toolkit/pkg/db"
	"github.com/hiendaovinh/toolkit/pkg/env"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func init() {
	// for development
	//nolint:errcheck
	godotenv.Load("../../.env")

	// for production
	//nolint:errcheck
	godotenv.Load("./.env")
}

func main() {
	vs, err := env.EnvsRequired(
		"DB_DSN",
		"REDIS_URL",
		"BRIDGE_URL",
		"TONAPI_URL",
		"WALLET_SEED",
		"WALLET_ADDRESS",
	)
	if err != nil {
		log.Fatal(err)
	}

	container := NewContainer(vs)

	app := &cli.App{
		Name: "bridged",
		Commands: []*cli.Command{
			commandServer(container),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func commandServer(container *do.Injector) *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start the bridge daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "127.0.0.1:7332",
				Usage: "serve address",
			},
		},
		Action: func(c *cli.Context) error {
			vs := do.MustInvokeNamed[map[string]string](container, "envs")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			postgresDB, err := do.Invoke[*bun.DB](container)
			if err != nil {
				return err
			}
			if err := datastore.CreateTableConnectionEvent(ctx, postgresDB); err != nil {
				return err
			}

			router, err := do.Invoke[*services.ServiceRouter](container)
			if err != nil {
				return err
			}
			hub, err := do.Invoke[*transport.Hub](container)
			if err != nil {
				return err
			}
			hub.SetHandler(router.HandlePortMessage)

			session, err := do.Invoke[*bridge.Session](container)
			if err != nil {
				return err
			}
			router.SetBridge(session)
			defer session.Destroy()

			connections, err := do.Invoke[*services.ServiceConnections](container)
			if err != nil {
				return err
			}
			connections.Changed().On(services.EventConnectionsChanged, func(string) {
				if err := session.Refresh(ctx); err != nil {
					log.Printf("bridge refresh: %v", err)
				}
			})
			if err := session.Refresh(ctx); err != nil {
				log.Printf("bridge refresh: %v", err)
			}

			mux, err := handler.New(&handler.Config{
				Container: container,
				Mode:      vs["API_MODE"],
				Origins:   strings.Split(vs["API_ORIGINS"], ","),
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:    c.String("addr"),
				Handler: mux,
			}

			errWg, errCtx := errgroup.WithContext(ctx)

			errWg.Go(func() error {
				log.Printf("ListenAndServe: %s (%s)\n", c.String("addr"), vs["API_MODE"])
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})

			errWg.Go(func() error {
				<-errCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			return errWg.Wait()
		},
	}
}

func NewContainer(vs map[string]string) *do.Injector {
	injector := do.New()
	vs["API_MODE"] = os.Getenv("API_MODE")
	vs["API_ORIGINS"] = os.Getenv("API_ORIGINS")
	vs["TON_NETWORK"] = os.Getenv("TON_NETWORK")
	vs["APP_VERSION"] = os.Getenv("APP_VERSION")
	vs["TONAPI_KEY"] = os.Getenv("TONAPI_KEY")
	vs["WALLET_STATE_INIT"] = os.Getenv("WALLET_STATE_INIT")

	if vs["API_MODE"] == "" {
		vs["API_MODE"] = "production"
	}
	if vs["API_ORIGINS"] == "" {
		vs["API_ORIGINS"] = "*"
	}

	do.ProvideNamedValue(injector, "envs", vs)

	do.Provide(injector, func(i *do.Injector) (*bun.DB, error) {
		sqldb := sql.OpenDB(pgdriver.NewConnector(
			pgdriver.WithDSN(os.Getenv("DB_DSN")),
			pgdriver.WithPassword(os.Getenv("DB_PASSWORD")),
		))
		return bun.NewDB(sqldb, pgdialect.New()), nil
	})

	do.ProvideNamed(injector, "redis-db", func(i *do.Injector) (redis.UniversalClient, error) {
		return db.InitRedis(&db.RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		})
	})

	do.Provide(injector, func(i *do.Injector) (caching.Cache, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-db")
		if err != nil {
			return nil, err
		}
		return caching.NewCacheRedis(dbRedis, false)
	})

	do.Provide(injector, func(i *do.Injector) (interfaces.Limiter, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-db")
		if err != nil {
			return nil, err
		}
		return limiter.NewLimiter(dbRedis)
	})

	do.Provide(injector, func(i *do.Injector) (*redsync.Redsync, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-db")
		if err != nil {
			return nil, err
		}
		return redsync.New(goredis.NewPool(dbRedis)), nil
	})

	do.Provide(injector, func(i *do.Injector) (*httpclient.Client, error) {
		return httpclient.NewClient(httpclient.WithHTTPTimeout(15 * time.Second)), nil
	})

	do.Provide(injector, func(i *do.Injector) (*transport.Hub, error) {
		return transport.NewHub(), nil
	})

	do.Provide(injector, func(i *do.Injector) (interfaces.Signer, error) {
		return services.NewLocalSigner(
			os.Getenv("WALLET_SEED"),
			os.Getenv("WALLET_ADDRESS"),
			os.Getenv("WALLET_STATE_INIT"),
		)
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceWallet, error) {
		return services.NewServiceWallet(injector)
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceConnections, error) {
		return services.NewServiceConnections(injector)
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceNotifications, error) {
		return services.NewServiceNotifications(injector)
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceTonAPI, error) {
		return services.NewServiceTonAPI(injector)
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceTonLink, error) {
		return services.NewServiceTonLink(), nil
	})

	do.Provide(injector, func(i *do.Injector) (*services.ServiceRouter, error) {
		return services.NewServiceRouter(injector)
	})

	do.Provide(injector, func(i *do.Injector) (*bridge.Session, error) {
		connections, err := do.Invoke[*services.ServiceConnections](i)
		if err != nil {
			return nil, err
		}
		wallet, err := do.Invoke[*services.ServiceWallet](i)
		if err != nil {
			return nil, err
		}
		router, err := do.Invoke[*services.ServiceRouter](i)
		if err != nil {
			return nil, err
		}
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-db")
		if err != nil {
			return nil, err
		}

		source := &bridgeSource{connections, wallet}
		cursor := &bridgeCursor{dbRedis, wallet}
		cbs := bridge.Callbacks{
			OnRequest: func(conn *models.Connection, payload json.RawMessage) {
				go router.HandleBridgeRequest(context.Background(), conn, payload)
			},
			OnDisconnect: func(conn *models.Connection) {
				go router.HandleBridgeDisconnect(context.Background(), conn)
			},
		}
		return bridge.NewSession(os.Getenv("BRIDGE_URL"), source, cursor, cbs), nil
	})

	return injector
}

type bridgeSource struct {
	connections *services.ServiceConnections
	wallet      *services.ServiceWallet
}

func (s *bridgeSource) ListHTTPConnections(ctx context.Context) ([]*models.Connection, error) {
	return s.connections.ListHTTPByWallet(ctx, s.wallet.WalletID())
}

type bridgeCursor struct {
	redisDB redis.UniversalClient
	wallet  *services.ServiceWallet
}

func (s *bridgeCursor) GetCursor(ctx context.Context) (int64, error) {
	return redis_store.GetBridgeCursor(ctx, s.redisDB, s.wallet.WalletID())
}

func (s *bridgeCursor) SetCursor(ctx context.Context, eventID int64) error {
	return redis_store.SetBridgeCursor(ctx, s.redisDB, s.wallet.WalletID(), eventID)
}
