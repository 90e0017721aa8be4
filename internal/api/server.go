// Package api implements the HTTP surface of the route optimizer.
package api

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"lastmile/internal/auth"
	"lastmile/internal/config"
	"lastmile/internal/matrix"
	"lastmile/internal/store"
	"lastmile/internal/webhooks"
)

type Server struct {
	Cfg    config.Config
	Store  store.Store
	Pub    *webhooks.Publisher
	Auth   *auth.Verifier
	Broker EventBroker
	Matrix matrix.Provider
	Redis  *redis.Client

	limiters *limiterSet
	// jobs tracks async solves so Close can wait for them.
	jobs sync.WaitGroup
}

// NewServer wires the server from cfg. Storage is Postgres when
// DatabaseURL is set, SQLite when SQLitePath is set, memory otherwise.
// With a Redis URL, run events fan out over Redis and matrices are cached.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Cfg:      cfg,
		Store:    st,
		Pub:      webhooks.NewPublisher(st),
		Auth:     auth.NewVerifier(cfg.Auth),
		Broker:   NewBroker(),
		limiters: newLimiterSet(cfg.Rate),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.Redis = redis.NewClient(opts)
		s.Broker = NewRedisBroker(s.Redis)
	}
	s.Matrix = matrix.New(cfg.Matrix, s.Redis)
	return s, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		log.Printf("store=postgres")
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	case strings.TrimSpace(cfg.SQLitePath) != "":
		log.Printf("store=sqlite path=%s", cfg.SQLitePath)
		return store.NewSQLite(ctx, cfg.SQLitePath)
	default:
		log.Printf("store=memory")
		return store.NewMemory(), nil
	}
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Cfg.Webhooks)
}

// Close waits for in-flight async solves and releases connections.
func (s *Server) Close() error {
	s.jobs.Wait()
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.Store.Close()
}
