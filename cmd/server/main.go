// Breachlog tracks cybersecurity incidents through their lifecycle and
// deduplicates reports arriving from multiple sources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/otel"

	bc "github.com/linnemanlabs/breachlog/internal/cfg"
	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/incidentapi"
)

const appName = "breachlog"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    bc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool("V", false, "Print version+build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, build_date=%s, go=%s)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion)
		return nil
	}

	// env never overrides an explicit flag
	cfg.FillFromEnv(flag.CommandLine, "BREACHLOG_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting breachlog",
		"version", vi.Version,
		"commit", vi.Commit,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"database", appCfg.DatabaseURL != "",
		"dedup_enabled", appCfg.DedupEnabled,
		"dedup_threshold", appCfg.DedupThreshold,
		"jwt_enabled", appCfg.JWTSecret != "",
		"stream_enabled", appCfg.StreamEnabled,
		"enable_tracing", traceCfg.EnableTracing,
		"enable_pyroscope", profCfg.EnablePyroscope,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if profiling {
		// span IDs become pyroscope labels so traces link to profiles
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	store, ledger, closeStore, err := openStores(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()
	observeDBQueries(m.Registry())

	dedup, err := incident.NewDeduplicator(appCfg.DedupThreshold)
	if err != nil {
		return fmt.Errorf("deduplicator: %w", err)
	}
	notifier, hub := buildNotifiers(ctx, &appCfg, L)
	svc := incident.NewService(store, ledger, L, incident.Options{
		Deduplicator:       dedup,
		DisableReportDedup: !appCfg.DedupEnabled,
		Notifier:           notifier,
		Metrics:            incident.NewMetrics(m.Registry()),
	})

	apiOpts, err := apiOptions(&appCfg, hub)
	if err != nil {
		return err
	}

	// readiness fails once shutdown starts so the load balancer drains us
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	router := apiRouter(incidentapi.New(L, svc, apiOpts...),
		health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	handler := wrapAPI(router, L, m.Middleware, httpmw.ClientIPOptions{TrustedHops: httpmwCfg.TrustedProxyHops})

	serverOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), handler, L, serverOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	var steps []stopStep
	if hub != nil {
		// hijacked websocket connections are invisible to the http server
		steps = append(steps, stopStep{"stream hub", func(context.Context) error {
			hub.Close()
			return nil
		}})
	}
	steps = append(steps,
		stopStep{"api http server", stopAPI},
		stopStep{"incident notifications", func(ctx context.Context) error { return waitNotifications(ctx, svc) }},
		stopStep{"ops http server", stopOps},
	)
	if shutdownOtel != nil {
		steps = append(steps, stopStep{"otel", shutdownOtel})
	}
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, steps)

	if stopProf != nil {
		stopProf()
	}
	L.Info(context.Background(), "shutdown complete")
	return nil
}
