// Package storetest opens throwaway stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahaj/village-chat/pkg/db"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/snowflake"
	"github.com/mahaj/village-chat/pkg/store"
	"github.com/stretchr/testify/require"
)

// NewSQLite returns a migrated store backed by a file in t's temp dir.
func NewSQLite(t testing.TB) *store.SQLiteStore {
	t.Helper()

	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	s := store.NewSQLiteStore(conn, sequencer(t))
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewPostgres returns a migrated store in a fresh schema of the database at
// dsn. The schema is dropped on cleanup.
func NewPostgres(t testing.TB, dsn string) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()
	schema := scratchName()

	admin, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(admin.Close)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	pool, err := db.ConnectPostgres(ctx, dsn, func(cfg *pgxpool.Config) {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	})
	require.NoError(t, err)

	s := store.NewPostgresStore(pool, sequencer(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// NewScylla returns a migrated store in a fresh keyspace on hosts, and the
// session behind it. The keyspace is dropped on cleanup.
func NewScylla(t testing.TB, hosts []string) (*store.ScyllaStore, *db.Session) {
	t.Helper()
	keyspace := scratchName()

	require.NoError(t, db.CreateKeyspace(hosts, keyspace, 1))
	session, err := db.NewSession(hosts, keyspace)
	require.NoError(t, err)

	s := store.NewScyllaStore(session, sequencer(t))
	t.Cleanup(func() {
		if err := session.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec(); err != nil {
			t.Logf("drop keyspace %s: %v", keyspace, err)
		}
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(context.Background()))
	return s, session
}

func sequencer(t testing.TB) *snowflake.Sequencer {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return snowflake.NewSequencer(node)
}

// scratchName is a schema or keyspace name unique to one test.
func scratchName() string {
	return "chat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SeedUsers inserts one user per id, using the id as the username.
func SeedUsers(t testing.TB, users store.UserDirectory, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, users.PutUser(context.Background(), model.Identity{ID: id, Username: id}))
	}
}

// Group creates a group channel with the given members.
func Group(t testing.TB, channels store.ChannelDirectory, name string, members ...string) model.Channel {
	t.Helper()
	ch, err := channels.CreateContextBound(context.Background(), store.ContextChannel{
		Kind:    model.ChannelGroup,
		Name:    name,
		Members: members,
	})
	require.NoError(t, err)
	return ch
}
