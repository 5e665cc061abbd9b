package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"kineapp/internal/attendance"
	"kineapp/internal/config"
	"kineapp/internal/geo"
	"kineapp/internal/metrics"
	"kineapp/internal/queue"
	"kineapp/internal/store"
)

// The worker consumes registration messages and back-fills audit data: the
// measured distance between the submitted point and the box, and the
// pending -> recorded status transition.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "kineapp:attendance")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue consume init failed")
	}

	logger.Info().Msg("worker started, waiting for messages")
	for msg := range messages {
		if msg.Type != "attendance" {
			continue
		}

		id := msg.Body
		if err := audit(ctx, repo, id); err != nil {
			logger.Error().Err(err).Str("record_id", id).Msg("audit failed")
			continue
		}
		metrics.RecordsAudited.Inc()
		logger.Info().Str("record_id", id).Msg("record audited")

		time.Sleep(10 * time.Millisecond)
	}

	logger.Info().Msg("worker stopped")
}

func audit(ctx context.Context, repo *attendance.Repository, id string) error {
	rec, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		// Record gone; nothing to audit.
		return nil
	}

	var distance *float64
	if rec.Latitude != nil && rec.Longitude != nil {
		box, err := repo.BoxForQR(ctx, rec.QRID)
		if err != nil {
			return err
		}
		if box != nil && box.Latitude != nil && box.Longitude != nil {
			d := geo.HaversineMeters(*rec.Latitude, *rec.Longitude, *box.Latitude, *box.Longitude)
			distance = &d
		}
	}

	return repo.SetDistance(ctx, id, distance)
}
