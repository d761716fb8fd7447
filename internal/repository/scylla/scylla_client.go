package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/util"
)

// PreparedStatements holds the statements used by the session repository.
//
// Schema:
//
//	CREATE TABLE active_users (
//	    user_bucket   int,
//	    user_id       text,
//	    last_activity timestamp,
//	    is_active     boolean,
//	    PRIMARY KEY ((user_bucket), user_id)
//	);
type PreparedStatements struct {
	InsertActiveUser   *gocql.Query
	TouchActiveUser    *gocql.Query
	GetActiveUser      *gocql.Query
	DeactivateUser     *gocql.Query
	ListActiveInBucket *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// Conditional writes: concurrent touches for the same user must converge
	// on max(last_activity) across process instances, so both the insert and
	// the update are lightweight transactions.
	prepared.InsertActiveUser = s.Session.Query(`
        INSERT INTO active_users (user_bucket, user_id, last_activity, is_active)
        VALUES (?, ?, ?, true) IF NOT EXISTS`)

	prepared.TouchActiveUser = s.Session.Query(`
        UPDATE active_users SET last_activity = ?, is_active = true
        WHERE user_bucket = ? AND user_id = ? IF last_activity < ?`)

	prepared.GetActiveUser = s.Session.Query(`
        SELECT user_id, last_activity, is_active
        FROM active_users WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeactivateUser = s.Session.Query(`
        UPDATE active_users SET is_active = false
        WHERE user_bucket = ? AND user_id = ? IF last_activity = ?`)

	prepared.ListActiveInBucket = s.Session.Query(`
        SELECT user_id, last_activity, is_active
        FROM active_users WHERE user_bucket = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	return nil
}
