package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/VictorNLopes/SAGE-TreeView/admin/internal/admin"
	"github.com/VictorNLopes/SAGE-TreeView/api/config"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/catalog"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/migrations"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/query"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
	"github.com/VictorNLopes/SAGE-TreeView/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &config.Config{}
	cfg.BindFlags(flag.CommandLine)

	// Profile commands
	saveProfileFlag := flag.String("save-profile", "", "Save the connection profile read from this JSON file (- for stdin)")
	showProfileFlag := flag.Bool("show-profile", false, "Show the saved connection profile")

	// Navigation commands; PATH is a '/'-separated list of identifiers from the root
	checkFlag := flag.Bool("check", false, "Open a session with the saved profile and report its health")
	childrenFlag := flag.String("children", "", "List the children of the node at PATH (use / for the root)")
	detailsFlag := flag.String("details", "", "Show the attribute table of the node at PATH")
	historyFlag := flag.String("history", "", "Show the history of the node at PATH")
	alarmsFlag := flag.String("alarms", "", "Show the alarms of the node at PATH")
	aggregateFlag := flag.String("aggregate", "", "Show bucketed averages of the node at PATH")

	// Data options
	attrsFlag := flag.StringSlice("attrs", nil, "Historied attributes for --history and --aggregate (default: all)")
	staticFlag := flag.StringSlice("static", nil, "Static attributes merged into --history output")
	severitiesFlag := flag.StringSlice("severities", nil, "Severity labels or codes for --alarms")
	columnsFlag := flag.StringSlice("columns", []string{"severidade", "tipo", "mensagem"}, "Event columns for --alarms")
	bucketSizeFlag := flag.Int("bucket-size", 1, "Bucket size for --aggregate")
	bucketUnitFlag := flag.String("bucket-unit", "hours", "Bucket unit for --aggregate (seconds, minutes, hours, days)")
	startFlag := flag.String("start", "", "Window start (RFC3339, default: end - 24h)")
	endFlag := flag.String("end", "", "Window end (RFC3339, default: now)")

	// Fixture database commands
	dbURLFlag := flag.String("db-url", "", "Fixture database URL for migrations (or set SAGE_FIXTURE_DB_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "Apply the fixture schema and demo topology using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show fixture migration status")

	flag.Parse()

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if envDBURL := os.Getenv("SAGE_FIXTURE_DB_URL"); envDBURL != "" {
		*dbURLFlag = envDBURL
	}

	log := logger.New(cfg.Verbose)
	ctx := context.Background()

	if *migrateFlag || *migrateStatusFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --migrate and --migrate-status")
		}
		mcfg := migrations.MigrationConfig{ConnString: *dbURLFlag}
		if *migrateFlag {
			return migrations.RunMigrations(ctx, log, mcfg)
		}
		return migrations.MigrationStatus(ctx, log, mcfg)
	}

	if *saveProfileFlag != "" {
		return saveProfile(cfg.ProfilePath, *saveProfileFlag)
	}
	if *showProfileFlag {
		p, err := profile.Load(cfg.ProfilePath)
		if err != nil {
			return err
		}
		p.Password = maskSecret(p.Password)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	clock := clockwork.NewRealClock()
	end := clock.Now()
	if *endFlag != "" {
		t, err := time.Parse(time.RFC3339, *endFlag)
		if err != nil {
			return fmt.Errorf("failed to parse --end: %w", err)
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if *startFlag != "" {
		t, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			return fmt.Errorf("failed to parse --start: %w", err)
		}
		start = t
	}
	start, end = start.UTC(), end.UTC()

	var path, op string
	for _, c := range []struct {
		name  string
		value string
	}{
		{"children", *childrenFlag},
		{"details", *detailsFlag},
		{"history", *historyFlag},
		{"alarms", *alarmsFlag},
		{"aggregate", *aggregateFlag},
	} {
		if c.value != "" {
			op, path = c.name, c.value
			break
		}
	}
	if op == "" && !*checkFlag {
		flag.Usage()
		return nil
	}

	p, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	sessions, err := session.NewManager(session.Config{
		Logger:         log,
		Clock:          clock,
		Database:       cfg.Database,
		KnownHostsFile: cfg.KnownHostsFile,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer sessions.Close()

	sess, err := sessions.Connect(ctx, p)
	if err != nil {
		return err
	}

	if *checkFlag && op == "" {
		st := sess.Status()
		fmt.Printf("session %s via %s: tunnel_active=%t handle_open=%t healthy=%t\n",
			st.SessionID, st.SSHAddr, st.TunnelActive, st.HandleOpen, sessions.HealthCheck(sess))
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	cmd := &command{
		out:      os.Stdout,
		q:        sess.Querier(),
		loc:      cfg.Location,
		sessions: sessions,
		sess:     sess,
		start:    start,
		end:      end,
	}
	nav, err := topology.NewNavigator(topology.Config{Logger: log, OnTransient: cmd.transient})
	if err != nil {
		return err
	}
	cat, err := catalog.New(catalog.Config{Logger: log})
	if err != nil {
		return err
	}
	cmd.catalog = cat

	node, err := admin.Walk(qctx, nav, cmd.q, path)
	if err != nil {
		return cmd.check(err)
	}

	switch op {
	case "children":
		children := nav.Expand(qctx, cmd.q, node)
		admin.RenderNodes(cmd.out, children, func(n *topology.Node) bool { return nav.HasChildren(qctx, cmd.q, n) })
		return cmd.check(nil)
	case "details":
		d, err := cat.Fetch(qctx, cmd.q, node)
		if err != nil {
			return cmd.check(err)
		}
		admin.RenderDetails(cmd.out, d)
		return nil
	case "history":
		return cmd.history(qctx, node, *attrsFlag, *staticFlag)
	case "alarms":
		return cmd.run(qctx, node, query.Alarm{MRID: node.MRID, Columns: *columnsFlag, Severities: *severitiesFlag, Start: start, End: end})
	case "aggregate":
		unit, err := query.ParseUnit(*bucketUnitFlag)
		if err != nil {
			return err
		}
		attrs, err := cmd.historied(qctx, node, *attrsFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.out, "%d bucket(s) esperado(s)\n", query.ExpectedBuckets(start, end, *bucketSizeFlag, unit))
		return cmd.run(qctx, node, query.Aggregation{
			Entity: node.Entity, Key: node.Key, Attributes: attrs,
			BucketSize: *bucketSizeFlag, BucketUnit: unit, Start: start, End: end,
		})
	}
	return nil
}

type command struct {
	out      io.Writer
	q        result.Querier
	loc      *time.Location
	catalog  *catalog.Catalog
	sessions *session.Manager
	sess     *session.Session
	start    time.Time
	end      time.Time

	lost error
}

func (c *command) transient(err error) {
	c.lost = err
}

// check turns a swallowed transport failure into an error after one health check.
func (c *command) check(err error) error {
	if err == nil && c.lost != nil {
		err = c.lost
	}
	if err == nil {
		return nil
	}
	if !c.sessions.HealthCheck(c.sess) {
		return fmt.Errorf("session lost, reconnect and retry: %w", err)
	}
	return err
}

func (c *command) run(ctx context.Context, node *topology.Node, spec query.Spec) error {
	if node.IsRoot() {
		return errors.New("the root has no data")
	}
	t, err := result.Execute(ctx, c.q, spec)
	if err != nil {
		return c.check(err)
	}
	admin.RenderTable(c.out, t, c.loc)
	return nil
}

// historied defaults to every historied attribute of node when attrs is empty.
func (c *command) historied(ctx context.Context, node *topology.Node, attrs []string) ([]string, error) {
	if len(attrs) > 0 {
		return attrs, nil
	}
	d, err := c.catalog.Fetch(ctx, c.q, node)
	if err != nil {
		return nil, c.check(err)
	}
	return d.HistoriedNames(), nil
}

func (c *command) history(ctx context.Context, node *topology.Node, attrs, static []string) error {
	if node.IsRoot() {
		return errors.New("the root has no data")
	}
	d, err := c.catalog.Fetch(ctx, c.q, node)
	if err != nil {
		return c.check(err)
	}
	if len(attrs) == 0 {
		attrs = d.HistoriedNames()
	}
	t, err := result.Execute(ctx, c.q, query.History{Entity: node.Entity, Key: node.Key, Attributes: attrs, Start: c.start, End: c.end})
	if err != nil {
		return c.check(err)
	}
	names, values := d.Resolve(static)
	admin.RenderTable(c.out, result.Merge(t, names, values), c.loc)
	return nil
}

func saveProfile(path, src string) error {
	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("failed to open profile source: %w", err)
		}
		defer f.Close()
		r = f
	}
	var p profile.Profile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("failed to decode profile: %w", err)
	}
	if _, err := p.Endpoints(); err != nil {
		return err
	}
	if err := profile.Save(path, p); err != nil {
		return err
	}
	fmt.Printf("profile saved to %s\n", path)
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
