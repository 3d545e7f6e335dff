package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	appDirName  = "SAGE TreeView"
	fileName    = "config.json"
	defaultHost = "localhost"
)

var (
	// ErrConfig is matched by every error caused by a malformed or missing profile.
	ErrConfig = errors.New("invalid connection profile")

	// ErrNotFound is returned by Load when no profile has been saved yet.
	ErrNotFound = fmt.Errorf("%w: profile not found", ErrConfig)
)

// Profile is the persisted connection record. Every field is kept as the string the
// operator typed; ports are only parsed when a connection is attempted.
type Profile struct {
	RemoteAddress    string `json:"remote_address"`
	RemotePort       string `json:"remote_port"`
	LocalAddress     string `json:"local_address"`
	LocalPort        string `json:"local_port"`
	IntermediatePort string `json:"intermediate_port"`
	User             string `json:"user"`
	Password         string `json:"password"`
	File             string `json:"file"`
}

// Endpoints is the parsed form of a Profile.
type Endpoints struct {
	// SSHAddr is the SSH server the tunnel is opened against.
	SSHAddr string
	// RemoteAddr is the database address as seen from the SSH server.
	RemoteAddr string
	// LocalAddr is where the tunnel listens on this machine.
	LocalAddr string

	IntermediatePort int
}

// Endpoints parses the port fields. It fails fast, before any network activity.
func (p Profile) Endpoints() (Endpoints, error) {
	if strings.TrimSpace(p.RemoteAddress) == "" {
		return Endpoints{}, fmt.Errorf("%w: remote_address is required", ErrConfig)
	}
	if strings.TrimSpace(p.User) == "" {
		return Endpoints{}, fmt.Errorf("%w: user is required", ErrConfig)
	}

	remotePort, err := parsePort("remote_port", p.RemotePort)
	if err != nil {
		return Endpoints{}, err
	}
	localPort, err := parsePort("local_port", p.LocalPort)
	if err != nil {
		return Endpoints{}, err
	}
	intermediatePort, err := parsePort("intermediate_port", p.IntermediatePort)
	if err != nil {
		return Endpoints{}, err
	}

	localAddress := strings.TrimSpace(p.LocalAddress)
	if localAddress == "" {
		localAddress = defaultHost
	}

	return Endpoints{
		SSHAddr:          net.JoinHostPort(strings.TrimSpace(p.RemoteAddress), strconv.Itoa(remotePort)),
		RemoteAddr:       net.JoinHostPort(localAddress, strconv.Itoa(localPort)),
		LocalAddr:        net.JoinHostPort(defaultHost, strconv.Itoa(intermediatePort)),
		IntermediatePort: intermediatePort,
	}, nil
}

func parsePort(field, value string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be numeric, got %q", ErrConfig, field, value)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %s out of range: %d", ErrConfig, field, port)
	}
	return port, nil
}

// DefaultPath returns the profile location under the user's configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(dir, appDirName, "config", fileName), nil
}

// Save writes the profile as an indented JSON document, creating parent directories.
func Save(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create profile dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// Load reads a profile saved by Save. A missing file yields ErrNotFound.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}

	// Every key must be present, even if empty.
	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	for _, key := range []string{
		"remote_address", "remote_port", "local_address", "local_port",
		"intermediate_port", "user", "password", "file",
	} {
		if v, ok := raw[key]; !ok || v == nil {
			return Profile{}, fmt.Errorf("%w: missing field %q", ErrConfig, key)
		}
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return p, nil
}
