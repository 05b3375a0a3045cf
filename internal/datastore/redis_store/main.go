package redis_store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"tonbridge/internal/models"
)

func dbKeyConnections(origin string) string {
	return fmt.Sprintf("tonconnect:connections:%s", origin)
}

func dbKeyConnectionsAll() string {
	return "tonconnect:connections:*"
}

func dbKeyProofNonce(address, nonce string) string {
	return fmt.Sprintf("tonconnect:nonce:%s:%s", address, nonce)
}

func dbKeyBridgeCursor(walletID string) string {
	return fmt.Sprintf("tonconnect:bridge_cursor:%s", walletID)
}

// GetConnections returns every connection stored for the origin, most
// recent first. A missing key is not an error.
func GetConnections(ctx context.Context, cmd redis.Cmdable, origin string) ([]*models.Connection, error) {
	b, err := cmd.Get(ctx, dbKeyConnections(origin)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v []*models.Connection
	err = msgpack.Unmarshal(b, &v)
	return v, err
}

// GetConnection returns the most recent connection for the origin, or nil.
func GetConnection(ctx context.Context, cmd redis.Cmdable, origin string) (*models.Connection, error) {
	all, err := GetConnections(ctx, cmd, origin)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// SaveConnection upserts keyed by (origin, wallet): an entry for the same
// wallet is replaced in place rather than duplicated, and the new record
// moves to the head so "most recent" lookups resolve to it. Concurrent
// saves are last-writer-wins on the whole record set.
func SaveConnection(ctx context.Context, cmd redis.Cmdable, v *models.Connection) error {
	if v.Origin == "" || v.WalletID == "" {
		return errors.New("invalid connection")
	}

	all, err := GetConnections(ctx, cmd, v.Origin)
	if err != nil {
		return err
	}

	kept := make([]*models.Connection, 0, len(all)+1)
	kept = append(kept, v)
	for _, c := range all {
		if c.WalletID == v.WalletID {
			continue
		}
		kept = append(kept, c)
	}

	b, err := msgpack.Marshal(kept)
	if err != nil {
		return err
	}
	return cmd.Set(ctx, dbKeyConnections(v.Origin), b, 0).Err()
}

// RemoveConnection drops the entry for (origin, wallet); an empty walletID
// drops every wallet's entry for the origin. Removing a missing entry is a
// no-op.
func RemoveConnection(ctx context.Context, cmd redis.Cmdable, origin, walletID string) error {
	if walletID == "" {
		return cmd.Del(ctx, dbKeyConnections(origin)).Err()
	}

	all, err := GetConnections(ctx, cmd, origin)
	if err != nil {
		return err
	}

	kept := make([]*models.Connection, 0, len(all))
	for _, c := range all {
		if c.WalletID == walletID {
			continue
		}
		kept = append(kept, c)
	}

	if len(kept) == 0 {
		return cmd.Del(ctx, dbKeyConnections(origin)).Err()
	}

	b, err := msgpack.Marshal(kept)
	if err != nil {
		return err
	}
	return cmd.Set(ctx, dbKeyConnections(origin), b, 0).Err()
}

// ListConnectionsByWallet scans every origin's record set and keeps the
// entries bound to the wallet.
func ListConnectionsByWallet(ctx context.Context, cmd redis.UniversalClient, walletID string) ([]*models.Connection, error) {
	var results []*models.Connection

	iter := cmd.Scan(ctx, 0, dbKeyConnectionsAll(), 0).Iterator()
	for iter.Next(ctx) {
		b, err := cmd.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var v []*models.Connection
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		for _, c := range v {
			if c.WalletID == walletID {
				results = append(results, c)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// PruneStaleConnections drops every connection created before the cutoff
// and reports how many were removed. Origins left empty lose their key.
func PruneStaleConnections(ctx context.Context, cmd redis.UniversalClient, cutoff time.Time) (int, error) {
	pruned := 0

	iter := cmd.Scan(ctx, 0, dbKeyConnectionsAll(), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := cmd.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return pruned, err
		}

		var v []*models.Connection
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return pruned, err
		}

		kept := make([]*models.Connection, 0, len(v))
		for _, c := range v {
			if c.CreatedAt.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == len(v) {
			continue
		}

		if len(kept) == 0 {
			if err := cmd.Del(ctx, key).Err(); err != nil {
				return pruned, err
			}
			continue
		}
		nb, err := msgpack.Marshal(kept)
		if err != nil {
			return pruned, err
		}
		if err := cmd.Set(ctx, key, nb, 0).Err(); err != nil {
			return pruned, err
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, err
	}

	return pruned, nil
}

func GetProofNonce(ctx context.Context, cmd redis.Cmdable, address, nonce string) (string, error) {
	n, err := cmd.Get(ctx, dbKeyProofNonce(address, nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return n, err
}

func SetProofNonce(ctx context.Context, cmd redis.Cmdable, address, nonce string, expiration time.Duration) error {
	return cmd.Set(ctx, dbKeyProofNonce(address, nonce), nonce, expiration).Err()
}

// GetBridgeCursor returns the last SSE event id acknowledged for the
// wallet, so a restart resumes the stream without replay.
func GetBridgeCursor(ctx context.Context, cmd redis.Cmdable, walletID string) (int64, error) {
	s, err := cmd.Get(ctx, dbKeyBridgeCursor(walletID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func SetBridgeCursor(ctx context.Context, cmd redis.Cmdable, walletID string, eventID int64) error {
	return cmd.Set(ctx, dbKeyBridgeCursor(walletID), strconv.FormatInt(eventID, 10), 0).Err()
}
