package datastore

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"tonbridge/internal/models"
)

func CreateTableConnectionEvent(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*models.ConnectionEvent)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.ConnectionEvent)(nil)).Index("index_connection_events_origin").IfNotExists().Column("origin").Exec(ctx)
	return err
}

func RecordConnectionEvent(ctx context.Context, db *bun.DB, ev *models.ConnectionEvent) (*models.ConnectionEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := db.NewInsert().Model(ev).Exec(ctx)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func FindConnectionEventsByOrigin(ctx context.Context, db *bun.DB, origin string, limit int) ([]*models.ConnectionEvent, error) {
	var events []*models.ConnectionEvent
	err := db.NewSelect().Model(&events).Where("origin = ?", origin).Order("created_at DESC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// PruneConnectionEvents deletes audit rows older than the cutoff and
// returns how many were dropped.
func PruneConnectionEvents(ctx context.Context, db *bun.DB, cutoff time.Time) (int64, error) {
	res, err := db.NewDelete().Model((*models.ConnectionEvent)(nil)).Where("created_at < ?", cutoff).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
