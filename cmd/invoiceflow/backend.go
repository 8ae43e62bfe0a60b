package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/postgres"
	invoiceredis "github.com/deepnoodle-ai/invoiceflow/redis"
	"github.com/deepnoodle-ai/invoiceflow/sqlite"
	"github.com/redis/go-redis/v9"
)

// backend is the persistence selected by configuration.
type backend struct {
	store invoiceflow.Store
	audit invoiceflow.AuditSink
	close func() error
}

func openBackend(ctx context.Context, cfg invoiceflow.Config) (*backend, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case "", "memory":
		return &backend{
			store: invoiceflow.NewMemoryStore(),
			audit: invoiceflow.NewMemoryAuditSink(),
			close: noop,
		}, nil

	case "file":
		dir := cfg.Store.Dir
		if dir == "" {
			dir = ".invoiceflow"
		}
		store, err := invoiceflow.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		auditDir := cfg.AuditDir
		if auditDir == "" {
			auditDir = filepath.Join(dir, "audit")
		}
		return &backend{store: store, audit: invoiceflow.NewFileAuditSink(auditDir), close: noop}, nil

	case "sqlite":
		path := cfg.Store.DSN
		if path == "" {
			path = "invoiceflow.db"
		}
		store, err := sqlite.New(ctx, sqlite.Options{Path: path})
		if err != nil {
			return nil, err
		}
		return &backend{store: store, audit: sqlite.NewAuditSink(store.DB()), close: store.Close}, nil

	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		store, err := postgres.New(ctx, postgres.Options{ConnString: cfg.Store.DSN})
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return &backend{
			store: store,
			audit: postgres.NewAuditSink(store.Pool()),
			close: func() error { store.Close(); return nil },
		}, nil

	case "redis":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		if !strings.Contains(dsn, "://") {
			dsn = "redis://" + dsn
		}
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store := invoiceredis.NewWithClient(client, "")
		return &backend{
			store: store,
			audit: invoiceredis.NewAuditSink(client, store.Prefix()),
			close: store.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
