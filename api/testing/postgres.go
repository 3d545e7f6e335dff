package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/migrations"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/tunnel"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "postgres"
	}
	if cfg.Username == "" {
		cfg.Username = session.DefaultDatabaseUser
	}
	if cfg.Password == "" {
		cfg.Password = session.DefaultDatabasePassword
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a PostgreSQL test container standing in for a SAGE database server.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcpostgres.PostgresContainer
}

// Addr returns the PostgreSQL address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// Username returns the PostgreSQL username.
func (db *DB) Username() string {
	return db.cfg.Username
}

// Password returns the PostgreSQL password.
func (db *DB) Password() string {
	return db.cfg.Password
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB creates a new PostgreSQL testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate PostgreSQL DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get PostgreSQL container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port("5432/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get PostgreSQL container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

func isRetryableContainerStartErr(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"port is already allocated",
		"wait until ready",
		"context deadline exceeded",
		"connection reset by peer",
		"No such container",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// TestDatabase is an isolated database inside the shared container, migrated with the
// SAGE fixture schema.
type TestDatabase struct {
	db   *DB
	Name string
}

// DatabaseConfig returns the credentials a session uses to reach this database.
func (tdb *TestDatabase) DatabaseConfig() session.DatabaseConfig {
	return session.DatabaseConfig{Name: tdb.Name, User: tdb.db.cfg.Username, Password: tdb.db.cfg.Password}
}

// ConnString returns a connection string for this database.
func (tdb *TestDatabase) ConnString() string {
	return tdb.DatabaseConfig().ConnString(tdb.db.addr, 5*time.Second)
}

// SetupTestDatabase creates a uniquely named database, applies the fixture migrations and
// drops it when the test ends.
func SetupTestDatabase(t *testing.T, db *DB) *TestDatabase {
	ctx := t.Context()

	// Create a unique database for this test
	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminCfg := session.DatabaseConfig{Name: db.cfg.Database, User: db.cfg.Username, Password: db.cfg.Password}
	adminConn, err := connectWithRetry(ctx, adminCfg.ConnString(db.addr, 5*time.Second))
	require.NoError(t, err, "failed to create PostgreSQL admin connection")

	_, err = adminConn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	tdb := &TestDatabase{db: db, Name: databaseName}

	err = migrations.RunMigrations(ctx, db.log, migrations.MigrationConfig{ConnString: tdb.ConnString()})
	require.NoError(t, err, "failed to migrate test database")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = adminConn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", databaseName))
		_ = adminConn.Close(ctx)
	})

	return tdb
}

// TerminateBackends kills every other server connection to this database, the way a
// restarted server or a dropped link would.
func (tdb *TestDatabase) TerminateBackends(t *testing.T) {
	t.Helper()
	ctx := t.Context()

	conn, err := connectWithRetry(ctx, tdb.ConnString())
	require.NoError(t, err)
	defer func() { _ = conn.Close(context.Background()) }()

	_, err = conn.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, tdb.Name)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var others int
		err := conn.QueryRow(ctx, `SELECT count(*) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, tdb.Name).Scan(&others)
		return err == nil && others == 0
	}, 5*time.Second, 50*time.Millisecond)
}

// connectWithRetry opens a pgx connection, retrying while the server finishes starting.
func connectWithRetry(ctx context.Context, connString string) (*pgx.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err := pgx.Connect(ctx, connString)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", lastErr)
}

// DirectTunnel stands in for the SSH tunnel: its local address is the database itself.
type DirectTunnel struct {
	addr   string
	closed atomic.Bool
}

func (d *DirectTunnel) Active() bool      { return !d.closed.Load() }
func (d *DirectTunnel) LocalAddr() string { return d.addr }
func (d *DirectTunnel) Close() error {
	d.closed.Store(true)
	return nil
}

// Drop simulates the SSH connection going away.
func (d *DirectTunnel) Drop() {
	d.closed.Store(true)
}

// NewManager returns a session manager whose sessions reach tdb directly, and a function
// returning the most recently opened tunnel.
func NewManager(t *testing.T, log *slog.Logger, tdb *TestDatabase, clock clockwork.Clock) (*session.Manager, func() *DirectTunnel) {
	t.Helper()

	var last atomic.Pointer[DirectTunnel]
	m, err := session.NewManager(session.Config{
		Logger:   log,
		Clock:    clock,
		Database: tdb.DatabaseConfig(),
		DialTunnel: func(ctx context.Context, cfg tunnel.Config) (session.Tunnel, error) {
			d := &DirectTunnel{addr: tdb.db.addr}
			last.Store(d)
			return d, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, last.Load
}

// Profile returns a syntactically valid profile for managers built with NewManager.
func Profile() profile.Profile {
	return profile.Profile{
		RemoteAddress:    "sage.test",
		RemotePort:       "22",
		LocalAddress:     "localhost",
		LocalPort:        "5432",
		IntermediatePort: "6543",
		User:             "operador",
	}
}
