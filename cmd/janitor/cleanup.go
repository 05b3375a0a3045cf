package main

import (
	"context"
	"log"
	"os"
	"time"

	"tonbridge/internal/datastore"
	"tonbridge/internal/datastore/redis_store"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun"
)

const (
	auditRetention      = 90 * 24 * time.Hour
	connectionRetention = 180 * 24 * time.Hour

	defaultSchedule = "30 4 * * *"
)

type CleanupJob struct {
	Redis redis.UniversalClient
	Db    *bun.DB
}

func NewCleanupJob(redis redis.UniversalClient, db *bun.DB) *CleanupJob {
	return &CleanupJob{
		Redis: redis,
		Db:    db,
	}
}

func (j *CleanupJob) Start(cronRunner *cron.Cron) {
	schedule := os.Getenv("JANITOR_CRON")
	if schedule == "" {
		schedule = defaultSchedule
	}

	_, err := cronRunner.AddFunc(schedule, j.runScheduledTask)
	log.Println("Cleanup cronjob start at:", time.Now().Format("2006-01-02 15:04:05"), "cron:", schedule, err)
}

func (j *CleanupJob) runScheduledTask() {
	ctx := context.Background()

	rows, err := datastore.PruneConnectionEvents(ctx, j.Db, time.Now().Add(-auditRetention))
	if err != nil {
		log.Println("prune audit:", err)
	} else {
		log.Println("pruned audit rows:", rows)
	}

	pruned, err := redis_store.PruneStaleConnections(ctx, j.Redis, time.Now().Add(-connectionRetention))
	if err != nil {
		log.Println("prune connections:", err)
	} else {
		log.Println("pruned stale connections:", pruned)
	}
}
