package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

// stopStep is one component in the ordered shutdown sequence.
type stopStep struct {
	name string
	fn   func(context.Context) error
}

// drain waits out the drain period so load balancers see the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain_seconds", d.Seconds())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs steps in order. Each step gets an equal slice of budget and
// a failing step does not stop the ones after it.
func stopAll(L log.Logger, budget time.Duration, steps []stopStep) {
	if len(steps) == 0 {
		return
	}
	per := budget / time.Duration(len(steps))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range steps {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, "shutdown step failed", "step", s.name)
		}
		scancel()
	}
}

// waitNotifications blocks until in-flight notification deliveries finish or
// ctx expires.
func waitNotifications(ctx context.Context, svc *incident.Service) error {
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifications still in flight: %w", ctx.Err())
	}
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
