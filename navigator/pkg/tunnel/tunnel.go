package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 15 * time.Second

// Config describes a local port forward through an SSH server.
type Config struct {
	Logger *slog.Logger

	// SSHAddr is the SSH server (host:port).
	SSHAddr string
	// RemoteAddr is the forwarded target as seen from the SSH server.
	RemoteAddr string
	// LocalAddr is the local listen address for forwarded connections.
	LocalAddr string

	User string
	// Password authenticates the user, or unlocks KeyFile when the key is encrypted.
	Password string
	// KeyFile is an optional private key path. Password auth is used when empty.
	KeyFile string
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string

	DialTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.SSHAddr == "" {
		return errors.New("ssh address is required")
	}
	if cfg.RemoteAddr == "" {
		return errors.New("remote address is required")
	}
	if cfg.LocalAddr == "" {
		return errors.New("local address is required")
	}
	if cfg.User == "" {
		return errors.New("user is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return nil
}

// Tunnel forwards connections accepted on a local listener to RemoteAddr through a
// single SSH client connection.
type Tunnel struct {
	log      *slog.Logger
	cfg      Config
	client   *ssh.Client
	listener net.Listener

	active    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open dials the SSH server, binds the local listener and starts forwarding.
func Open(ctx context.Context, cfg Config) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.SSHAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.SSHAddr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish ssh connection: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	listener, err := net.Listen("tcp", cfg.LocalAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to bind local address %s: %w", cfg.LocalAddr, err)
	}

	t := &Tunnel{
		log:      cfg.Logger,
		cfg:      cfg,
		client:   client,
		listener: listener,
	}
	t.active.Store(true)

	t.wg.Add(2)
	go t.watch()
	go t.acceptLoop()

	t.log.Info("tunnel: opened", "ssh_addr", cfg.SSHAddr, "local_addr", listener.Addr().String(), "remote_addr", cfg.RemoteAddr)
	return t, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		signer, err := loadSigner(cfg.KeyFile, cfg.Password)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("either a password or a key file is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return signer, nil
}

// Active reports whether the SSH connection and the local listener are still up.
func (t *Tunnel) Active() bool {
	return t.active.Load()
}

// LocalAddr returns the bound local address (useful when LocalAddr used port 0).
func (t *Tunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// Close stops forwarding and closes the SSH connection. It is safe to call repeatedly.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.active.Store(false)
		lerr := t.listener.Close()
		cerr := t.client.Close()
		if lerr != nil && !errors.Is(lerr, net.ErrClosed) {
			err = lerr
		} else if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		t.log.Info("tunnel: closed", "ssh_addr", t.cfg.SSHAddr)
	})
	t.wg.Wait()
	return err
}

// watch marks the tunnel inactive as soon as the SSH connection drops.
func (t *Tunnel) watch() {
	defer t.wg.Done()
	err := t.client.Wait()
	if t.active.Swap(false) {
		t.log.Warn("tunnel: ssh connection lost", "ssh_addr", t.cfg.SSHAddr, "error", err)
		_ = t.listener.Close()
	}
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if t.active.Swap(false) {
				t.log.Warn("tunnel: listener stopped", "error", err)
				_ = t.client.Close()
			}
			return
		}
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.cfg.RemoteAddr)
	if err != nil {
		t.log.Error("tunnel: failed to dial remote", "remote_addr", t.cfg.RemoteAddr, "error", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}
