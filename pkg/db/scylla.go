package db

import (
	"fmt"
	"log"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

// NewSession connects to the cluster. An empty keyspace connects without
// one, which is what CreateKeyspace needs.
func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	log.Printf("Connected to ScyllaDB cluster (keyspace %q)", keyspace)
	return &Session{Session: session}, nil
}

// CreateKeyspace creates keyspace with SimpleStrategy if it is missing.
func CreateKeyspace(hosts []string, keyspace string, replication int) error {
	sys, err := NewSession(hosts, "system")
	if err != nil {
		return err
	}
	defer sys.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := sys.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", keyspace, err)
	}
	return nil
}
