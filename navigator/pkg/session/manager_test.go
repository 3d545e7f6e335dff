package session_test

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/tunnel"
	sagetesting "github.com/VictorNLopes/SAGE-TreeView/utils/pkg/testing"
)

type fakeTunnel struct {
	active atomic.Bool
	closed atomic.Int32
	addr   string
}

func (f *fakeTunnel) Active() bool      { return f.active.Load() }
func (f *fakeTunnel) LocalAddr() string { return f.addr }
func (f *fakeTunnel) Close() error {
	f.active.Store(false)
	f.closed.Add(1)
	return nil
}

type fakeConn struct {
	closed atomic.Bool
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fake conn does not run queries")
}
func (f *fakeConn) IsClosed() bool { return f.closed.Load() }
func (f *fakeConn) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

type harness struct {
	clock   *clockwork.FakeClock
	manager *session.Manager

	tunnels     []*fakeTunnel
	conns       []*fakeConn
	tunnelCfgs  []tunnel.Config
	connStrings []string

	tunnelErr error
	dbErr     error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))}

	m, err := session.NewManager(session.Config{
		Logger: sagetesting.NewLogger(),
		Clock:  h.clock,
		DialTunnel: func(ctx context.Context, cfg tunnel.Config) (session.Tunnel, error) {
			h.tunnelCfgs = append(h.tunnelCfgs, cfg)
			if h.tunnelErr != nil {
				return nil, h.tunnelErr
			}
			ft := &fakeTunnel{addr: "127.0.0.1:6543"}
			ft.active.Store(true)
			h.tunnels = append(h.tunnels, ft)
			return ft, nil
		},
		DialDatabase: func(ctx context.Context, connString string) (session.Conn, error) {
			h.connStrings = append(h.connStrings, connString)
			if h.dbErr != nil {
				return nil, h.dbErr
			}
			fc := &fakeConn{}
			h.conns = append(h.conns, fc)
			return fc, nil
		},
	})
	require.NoError(t, err)
	h.manager = m
	t.Cleanup(func() { _ = m.Close() })
	return h
}

func testProfile() profile.Profile {
	return profile.Profile{
		RemoteAddress:    "sage.example",
		RemotePort:       "22",
		LocalAddress:     "127.0.0.1",
		LocalPort:        "5432",
		IntermediatePort: "6543",
		User:             "operador",
		Password:         "ssh-pass",
		File:             "/keys/id_rsa",
	}
}

func TestManager_Connect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, h.clock.Now(), s.OpenedAt)
	assert.True(t, s.Usable())
	assert.Same(t, s, h.manager.Current())

	require.Len(t, h.tunnelCfgs, 1)
	cfg := h.tunnelCfgs[0]
	assert.Equal(t, "sage.example:22", cfg.SSHAddr)
	assert.Equal(t, "127.0.0.1:5432", cfg.RemoteAddr)
	assert.Equal(t, "localhost:6543", cfg.LocalAddr)
	assert.Equal(t, "operador", cfg.User)
	assert.Equal(t, "ssh-pass", cfg.Password)
	assert.Equal(t, "/keys/id_rsa", cfg.KeyFile)

	require.Len(t, h.connStrings, 1)
	u, err := url.Parse(h.connStrings[0])
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6543", u.Host)
	assert.Equal(t, "/bhdemo_ems_sage", u.Path)
	assert.Equal(t, "sage", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "sage", pw)
}

func TestManager_ConnectConfigError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := testProfile()
	p.RemotePort = "ssh"

	s, err := h.manager.Connect(context.Background(), p)
	require.Nil(t, s)
	require.ErrorIs(t, err, session.ErrConfig)
	require.ErrorIs(t, err, profile.ErrConfig)
	assert.Empty(t, h.tunnelCfgs)
	assert.Nil(t, h.manager.Current())
}

func TestManager_ConnectConfigErrorKeepsCurrentSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)

	p := testProfile()
	p.RemotePort = "twenty-two"
	_, err = h.manager.Connect(context.Background(), p)
	require.ErrorIs(t, err, session.ErrConfig)

	assert.Same(t, s, h.manager.Current())
	assert.True(t, h.manager.HealthCheck(s))
	assert.Equal(t, int32(0), h.tunnels[0].closed.Load())
	assert.False(t, h.conns[0].IsClosed())
	assert.Len(t, h.tunnelCfgs, 1)
}

func TestManager_ConnectTunnelError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tunnelErr = errors.New("ssh: handshake failed")

	s, err := h.manager.Connect(context.Background(), testProfile())
	require.Nil(t, s)
	require.ErrorIs(t, err, session.ErrTunnel)
	require.NotErrorIs(t, err, session.ErrDatabase)

	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, session.StageTunnel, connErr.Stage)
	assert.Empty(t, h.connStrings)
	assert.Nil(t, h.manager.Current())
}

func TestManager_ConnectDatabaseErrorClosesTunnel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dbErr = errors.New("password authentication failed")

	s, err := h.manager.Connect(context.Background(), testProfile())
	require.Nil(t, s)
	require.ErrorIs(t, err, session.ErrDatabase)
	require.Len(t, h.tunnels, 1)
	assert.False(t, h.tunnels[0].Active())
	assert.Equal(t, int32(1), h.tunnels[0].closed.Load())
	assert.Nil(t, h.manager.Current())
}

func TestManager_ConnectClosesPreviousSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)
	second, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Usable())
	assert.True(t, h.conns[0].IsClosed())
	assert.True(t, second.Usable())
}

func TestManager_HealthCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)

	assert.True(t, h.manager.HealthCheck(s))
	assert.False(t, h.manager.HealthCheck(nil))

	// Handle closed independently while the tunnel stays up.
	h.conns[0].closed.Store(true)
	assert.True(t, h.tunnels[0].Active())
	assert.False(t, h.manager.HealthCheck(s))
	assert.False(t, h.manager.HealthCheck(s))

	// Side-effect free: the tunnel is untouched and the session is still current.
	assert.True(t, h.tunnels[0].Active())
	assert.Same(t, s, h.manager.Current())

	st := s.Status()
	assert.True(t, st.TunnelActive)
	assert.False(t, st.HandleOpen)
	assert.False(t, st.Connected)
}

func TestManager_Reconnect(t *testing.T) {
	t.Parallel()

	t.Run("healthy session is kept", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s, err := h.manager.Connect(context.Background(), testProfile())
		require.NoError(t, err)

		again, err := h.manager.Reconnect(context.Background(), testProfile())
		require.NoError(t, err)
		assert.Same(t, s, again)
		assert.Len(t, h.tunnels, 1)
	})

	t.Run("stale session is replaced", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s, err := h.manager.Connect(context.Background(), testProfile())
		require.NoError(t, err)
		h.tunnels[0].active.Store(false)

		h.clock.Advance(time.Minute)
		fresh, err := h.manager.Reconnect(context.Background(), testProfile())
		require.NoError(t, err)
		assert.NotEqual(t, s.ID, fresh.ID)
		assert.Equal(t, h.clock.Now(), fresh.OpenedAt)
		assert.True(t, h.conns[0].IsClosed())
		assert.Len(t, h.tunnels, 2)
	})

	t.Run("no session connects", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s, err := h.manager.Reconnect(context.Background(), testProfile())
		require.NoError(t, err)
		assert.True(t, s.Usable())
	})

	t.Run("failed reconnect leaves no session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.manager.Connect(context.Background(), testProfile())
		require.NoError(t, err)
		h.conns[0].closed.Store(true)
		h.tunnelErr = errors.New("connection refused")

		_, err = h.manager.Reconnect(context.Background(), testProfile())
		require.ErrorIs(t, err, session.ErrTunnel)
		assert.Nil(t, h.manager.Current())
		assert.False(t, h.tunnels[0].Active())
	})
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.manager.Connect(context.Background(), testProfile())
	require.NoError(t, err)

	require.NoError(t, h.manager.Close())
	assert.Nil(t, h.manager.Current())
	assert.False(t, s.Usable())
	require.NoError(t, h.manager.Close())
}

func TestDatabaseConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg := session.DatabaseConfig{Name: "other", User: "u"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "other", cfg.Name)
	assert.Equal(t, "u", cfg.User)
	assert.Equal(t, session.DefaultDatabasePassword, cfg.Password)

	u, err := url.Parse(cfg.ConnString("localhost:1", 3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "3", u.Query().Get("connect_timeout"))
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
}
