// Package session owns the tunnel and database handle pair used by every other navigator
// package. A Manager holds at most one session; opening a new one closes the old one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/metrics"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/tunnel"
)

const (
	DefaultDatabaseName     = "bhdemo_ems_sage"
	DefaultDatabaseUser     = "sage"
	DefaultDatabasePassword = "sage"

	defaultConnectTimeout = 15 * time.Second
	closeTimeout          = 5 * time.Second
)

// Tunnel is the forwarding half of a session.
type Tunnel interface {
	Active() bool
	LocalAddr() string
	Close() error
}

// Conn is the database half of a session. *pgx.Conn satisfies it.
type Conn interface {
	result.Querier
	IsClosed() bool
	Close(ctx context.Context) error
}

type TunnelDialer func(ctx context.Context, cfg tunnel.Config) (Tunnel, error)

type DatabaseDialer func(ctx context.Context, connString string) (Conn, error)

// DatabaseConfig holds the database credentials. They are fixed per SAGE installation
// and distinct from the SSH credentials in the profile.
type DatabaseConfig struct {
	Name     string
	User     string
	Password string
}

func (c *DatabaseConfig) Validate() error {
	if c.Name == "" {
		c.Name = DefaultDatabaseName
	}
	if c.User == "" {
		c.User = DefaultDatabaseUser
	}
	if c.Password == "" {
		c.Password = DefaultDatabasePassword
	}
	return nil
}

// ConnString returns a libpq URL for the database listening at addr.
func (c DatabaseConfig) ConnString(addr string, timeout time.Duration) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   addr,
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Database DatabaseConfig
	// KnownHostsFile enables SSH host key verification when set.
	KnownHostsFile string
	ConnectTimeout time.Duration

	DialTunnel   TunnelDialer
	DialDatabase DatabaseDialer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DialTunnel == nil {
		cfg.DialTunnel = func(ctx context.Context, tc tunnel.Config) (Tunnel, error) {
			t, err := tunnel.Open(ctx, tc)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	if cfg.DialDatabase == nil {
		cfg.DialDatabase = func(ctx context.Context, connString string) (Conn, error) {
			conn, err := pgx.Connect(ctx, connString)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	return nil
}

// Session is one tunnel plus the database handle bound to it.
type Session struct {
	ID        string
	OpenedAt  time.Time
	Endpoints profile.Endpoints

	tunnel Tunnel
	conn   Conn
}

// Usable reports whether both the tunnel and the handle are alive.
func (s *Session) Usable() bool {
	return s != nil && s.tunnel.Active() && !s.conn.IsClosed()
}

// Querier returns the database handle for queries.
func (s *Session) Querier() result.Querier {
	return s.conn
}

// Status is a point-in-time report of a session.
type Status struct {
	Connected    bool      `json:"connected"`
	SessionID    string    `json:"session_id,omitempty"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
	SSHAddr      string    `json:"ssh_addr,omitempty"`
	TunnelActive bool      `json:"tunnel_active"`
	HandleOpen   bool      `json:"handle_open"`
}

func (s *Session) Status() Status {
	if s == nil {
		return Status{}
	}
	st := Status{
		SessionID:    s.ID,
		OpenedAt:     s.OpenedAt,
		SSHAddr:      s.Endpoints.SSHAddr,
		TunnelActive: s.tunnel.Active(),
		HandleOpen:   !s.conn.IsClosed(),
	}
	st.Connected = st.TunnelActive && st.HandleOpen
	return st
}

func (s *Session) close(ctx context.Context) error {
	var errs []error
	if !s.conn.IsClosed() {
		if err := s.conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database handle: %w", err))
		}
	}
	if err := s.tunnel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close tunnel: %w", err))
	}
	return errors.Join(errs...)
}

type Manager struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	current *Session
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect closes any open session, then opens the tunnel and the database handle bound
// to its local endpoint.
func (m *Manager) Connect(ctx context.Context, p profile.Profile) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, p)
}

// A malformed profile is rejected before the current session is touched.
func (m *Manager) connectLocked(ctx context.Context, p profile.Profile) (*Session, error) {
	endpoints, err := p.Endpoints()
	if err != nil {
		err = &ConnectionError{Stage: StageConfig, Err: err}
		metrics.ConnectAttemptsTotal.WithLabelValues(string(StageConfig) + "_error").Inc()
		m.log.Error("session: connect failed", "error", err)
		return nil, err
	}

	_ = m.teardownLocked()

	s, err := m.open(ctx, p, endpoints)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			metrics.ConnectAttemptsTotal.WithLabelValues(string(connErr.Stage) + "_error").Inc()
		}
		m.log.Error("session: connect failed", "error", err)
		return nil, err
	}

	m.current = s
	metrics.ConnectAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.SessionUp.Set(1)
	m.log.Info("session: connected", "session_id", s.ID, "ssh_addr", s.Endpoints.SSHAddr, "local_addr", s.tunnel.LocalAddr())
	return s, nil
}

func (m *Manager) open(ctx context.Context, p profile.Profile, endpoints profile.Endpoints) (*Session, error) {
	tun, err := m.cfg.DialTunnel(ctx, tunnel.Config{
		Logger:         m.log,
		SSHAddr:        endpoints.SSHAddr,
		RemoteAddr:     endpoints.RemoteAddr,
		LocalAddr:      endpoints.LocalAddr,
		User:           p.User,
		Password:       p.Password,
		KeyFile:        p.File,
		KnownHostsFile: m.cfg.KnownHostsFile,
		DialTimeout:    m.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, &ConnectionError{Stage: StageTunnel, Err: err}
	}

	connString := m.cfg.Database.ConnString(tun.LocalAddr(), m.cfg.ConnectTimeout)
	conn, err := m.cfg.DialDatabase(ctx, connString)
	if err != nil {
		if cerr := tun.Close(); cerr != nil {
			m.log.Warn("session: failed to close tunnel after database error", "error", cerr)
		}
		return nil, &ConnectionError{Stage: StageDatabase, Err: err}
	}

	return &Session{
		ID:        uuid.NewString(),
		OpenedAt:  m.cfg.Clock.Now(),
		Endpoints: endpoints,
		tunnel:    tun,
		conn:      conn,
	}, nil
}

// HealthCheck reports whether s is usable. It neither closes nor replaces the session;
// the only side effect is recording the result in the health check metrics.
func (m *Manager) HealthCheck(s *Session) bool {
	healthy := s.Usable()
	metrics.HealthChecksTotal.WithLabelValues(strconv.FormatBool(healthy)).Inc()
	return healthy
}

// Reconnect keeps the current session when it is healthy. Otherwise it tears down what
// is left of it and connects afresh.
func (m *Manager) Reconnect(ctx context.Context, p profile.Profile) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.HealthCheck(m.current) {
		return m.current, nil
	}
	if m.current != nil {
		m.log.Warn("session: reconnecting stale session", "session_id", m.current.ID)
	}
	return m.connectLocked(ctx, p)
}

// Close tears down the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked()
}

func (m *Manager) teardownLocked() error {
	if m.current == nil {
		return nil
	}
	s := m.current
	m.current = nil
	metrics.SessionUp.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.close(ctx)
	if err != nil {
		m.log.Warn("session: error while closing", "session_id", s.ID, "error", err)
	} else {
		m.log.Info("session: closed", "session_id", s.ID)
	}
	return err
}
