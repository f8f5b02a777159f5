package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite holds a read pool and a single dedicated write connection. SQLite
// allows one writer at a time; funnelling writes through one connection
// serialises them in-process instead of failing with SQLITE_BUSY.
type SQLite struct {
	Read  *sql.DB
	Write *sql.DB
}

// Pragmas go in the DSN so that every pooled connection gets them, not just
// the first one.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// OpenSQLite opens the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	read, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	read.SetMaxOpenConns(8)
	read.SetMaxIdleConns(4)
	read.SetConnMaxLifetime(5 * time.Minute)

	write, err := openSQLite(path)
	if err != nil {
		read.Close()
		return nil, err
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)
	write.SetConnMaxLifetime(0)

	return &SQLite{Read: read, Write: write}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	params := make([]string, 0, len(sqlitePragmas))
	for _, pragma := range sqlitePragmas {
		params = append(params, "_pragma="+pragma)
	}
	dsn := "file:" + path + "?" + strings.Join(params, "&")

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return conn, nil
}

func (s *SQLite) Close() error {
	werr := s.Write.Close()
	if err := s.Read.Close(); err != nil {
		return err
	}
	return werr
}
