// Package config holds the settings shared by the API server and the admin CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultMetricsAddr     = "0.0.0.0:0"
	DefaultDisplayTimezone = "America/Sao_Paulo"
	DefaultQueryTimeout    = 60 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
)

// Config is populated from flags first, then from SAGE_* environment variables when set.
type Config struct {
	Verbose bool

	ListenAddr  string
	MetricsAddr string
	CORSOrigins []string

	ProfilePath    string
	KnownHostsFile string
	Database       session.DatabaseConfig
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	DisplayTimezone string
	// Location is resolved from DisplayTimezone by Validate.
	Location *time.Location
}

// BindFlags registers the configuration flags on fs.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.StringVar(&c.ListenAddr, "listen-addr", DefaultListenAddr, "address for the API server (or set PORT env var)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", DefaultMetricsAddr, "address to listen on for prometheus metrics, empty to disable")
	fs.StringSliceVar(&c.CORSOrigins, "cors-origins", []string{"*"}, "allowed CORS origins (or set CORS_ORIGINS env var)")
	fs.StringVar(&c.ProfilePath, "profile", "", "path of the connection profile (or set SAGE_PROFILE env var)")
	fs.StringVar(&c.KnownHostsFile, "known-hosts", "", "known_hosts file for SSH host key verification (or set SAGE_KNOWN_HOSTS env var)")
	fs.StringVar(&c.Database.Name, "db-name", session.DefaultDatabaseName, "SAGE database name (or set SAGE_DB_NAME env var)")
	fs.StringVar(&c.Database.User, "db-user", session.DefaultDatabaseUser, "SAGE database user (or set SAGE_DB_USER env var)")
	fs.StringVar(&c.Database.Password, "db-password", session.DefaultDatabasePassword, "SAGE database password (or set SAGE_DB_PASSWORD env var)")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", DefaultConnectTimeout, "timeout for opening the tunnel and the database handle")
	fs.DurationVar(&c.QueryTimeout, "query-timeout", DefaultQueryTimeout, "timeout applied to each request's queries")
	fs.StringVar(&c.DisplayTimezone, "display-tz", DefaultDisplayTimezone, "time zone history timestamps are shown in (or set SAGE_DISPLAY_TZ env var)")
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	if origins := getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = strings.Split(origins, ",")
	}
	for env, field := range map[string]*string{
		"SAGE_PROFILE":     &c.ProfilePath,
		"SAGE_KNOWN_HOSTS": &c.KnownHostsFile,
		"SAGE_DB_NAME":     &c.Database.Name,
		"SAGE_DB_USER":     &c.Database.User,
		"SAGE_DB_PASSWORD": &c.Database.Password,
		"SAGE_DISPLAY_TZ":  &c.DisplayTimezone,
	} {
		if v := getenv(env); v != "" {
			*field = v
		}
	}
	if v := getenv("SAGE_QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("failed to parse SAGE_QUERY_TIMEOUT: %w", err)
		}
		c.QueryTimeout = d
	}
	if v := getenv("SAGE_VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse SAGE_VERBOSE: %w", err)
		}
		c.Verbose = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.ProfilePath == "" {
		path, err := profile.DefaultPath()
		if err != nil {
			return err
		}
		c.ProfilePath = path
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.DisplayTimezone == "" {
		c.DisplayTimezone = DefaultDisplayTimezone
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("failed to load display time zone %q: %w", c.DisplayTimezone, err)
	}
	c.Location = loc
	for i, o := range c.CORSOrigins {
		c.CORSOrigins[i] = strings.TrimSpace(o)
	}
	return nil
}

// Load parses args into a Config, applies the environment and validates the result.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
