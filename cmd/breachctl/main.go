// Breachctl is the operator CLI for breachlog. It works directly against the
// PostgreSQL store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	bc "github.com/linnemanlabs/breachlog/internal/cfg"
	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/incident/pgstore"
	"github.com/linnemanlabs/breachlog/internal/postgres"
)

const appName = "breachlog"
const component = "breachctl"

// errUsage marks errors caused by bad invocation; main exits 2 for them.
var errUsage = errors.New("usage error")

type command struct {
	summary string
	needsDB bool
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = map[string]command{
	"create":   {"create an incident", true, cmdCreate},
	"list":     {"list incidents", true, cmdList},
	"status":   {"apply a status transition", true, cmdStatus},
	"timeline": {"show an incident's timeline", true, cmdTimeline},
	"delete":   {"delete an incident and its timeline", true, cmdDelete},
	"check":    {"check a title for duplicates without creating anything", true, cmdCheck},
	"report":   {"ingest a report: record a duplicate or create an incident", true, cmdReport},
	"migrate":  {"apply schema migrations", false, cmdMigrate},
	"token":    {"issue a role token or hash a static API token", false, cmdToken},
}

// env carries what subcommands share.
type env struct {
	out         io.Writer
	logger      log.Logger
	databaseURL string
	svc         *incident.Service
}

// openStore is replaced in tests.
var openStore = func(ctx context.Context, databaseURL string) (incident.Store, incident.Ledger, func(), error) {
	pool, err := postgres.NewPool(ctx, databaseURL, postgres.TracerOptions{})
	if err != nil {
		return nil, nil, nil, err
	}
	return pgstore.New(pool), pgstore.NewLedger(pool), pool.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	v.AppName = appName
	v.Component = component

	fs := flag.NewFlagSet(component, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs) }

	var (
		logCfg      log.Config
		dedupCfg    bc.Dedup
		databaseURL string
		showVersion bool
	)
	logCfg.RegisterFlags(fs)
	dedupCfg.RegisterFlags(fs)
	fs.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if showVersion {
		vi := v.Get()
		fmt.Fprintf(stdout, "%s (%s) %s (commit=%s, go=%s)\n", vi.AppName, vi.Component, vi.Version, vi.Commit, vi.GoVersion)
		return nil
	}

	cfg.FillFromEnv(fs, "BREACHLOG_", func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})
	if err := errors.Join(logCfg.Validate(), dedupCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if fs.NArg() == 0 {
		usage(fs)
		return fmt.Errorf("%w: no command given", errUsage)
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		usage(fs)
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component, "command", name)
	ctx = log.WithContext(ctx, L)

	e := &env{out: stdout, logger: L, databaseURL: databaseURL}
	if cmd.needsDB {
		if databaseURL == "" {
			return fmt.Errorf("%w: -database-url (or BREACHLOG_DATABASE_URL) is required for %s", errUsage, name)
		}
		dedup, err := incident.NewDeduplicator(dedupCfg.DedupThreshold)
		if err != nil {
			return fmt.Errorf("deduplicator: %w", err)
		}
		store, ledger, closeFn, err := openStore(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer closeFn()
		e.svc = incident.NewService(store, ledger, L, incident.Options{
			Deduplicator:       dedup,
			DisableReportDedup: !dedupCfg.DedupEnabled,
		})
	}

	return cmd.run(ctx, e, fs.Args()[1:])
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, "usage: %s [flags] <command> [command flags]\n\ncommands:\n", component)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-9s %s\n", n, commands[n].summary)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
