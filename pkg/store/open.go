package store

import (
	"context"
	"fmt"

	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/db"
	"github.com/mahaj/village-chat/pkg/snowflake"
)

// Open connects to the backend named by cfg.Driver. It does not migrate.
func Open(ctx context.Context, cfg config.StorageSection, seq *snowflake.Sequencer) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(conn, seq), nil

	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool, seq), nil

	case config.DriverScylla:
		if err := db.CreateKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace, 1); err != nil {
			return nil, err
		}
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			return nil, err
		}
		return NewScyllaStore(session, seq), nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}
