package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/linnemanlabs/breachlog/internal/authmw"
	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/postgres"
)

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(component+" "+name, flag.ContinueOnError)
	fs.SetOutput(e.out)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return nil
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: -%s is required", errUsage, name)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdCreate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("create", e)
	title := fs.String("title", "", "incident title (5..500 characters)")
	description := fs.String("description", "", "incident description (10..5000 characters)")
	severity := fs.String("severity", "", "critical, high, medium or low (default medium)")
	sources := fs.String("sources", "", "comma-separated source IDs")
	classifications := fs.String("classifications", "", "comma-separated classifications")
	discovered := fs.String("discovered", "", "discovery time as RFC 3339 (default now)")
	if err := parse(fs, args); err != nil {
		return err
	}

	n := incident.NewIncident{
		Title:           *title,
		Description:     *description,
		Severity:        incident.Severity(*severity),
		SourceIDs:       splitList(*sources),
		Classifications: splitList(*classifications),
	}
	if *discovered != "" {
		t, err := time.Parse(time.RFC3339, *discovered)
		if err != nil {
			return fmt.Errorf("%w: -discovered: %w", errUsage, err)
		}
		n.DiscoveredAt = t
	}

	inc, err := e.svc.Create(ctx, n)
	if err != nil {
		return err
	}
	return printJSON(e.out, inc)
}

func cmdList(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("list", e)
	status := fs.String("status", "", "only incidents in this status")
	severity := fs.String("severity", "", "only incidents with this severity")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := parse(fs, args); err != nil {
		return err
	}

	incs, err := e.svc.List(ctx, incident.Filter{
		Status:   incident.Status(*status),
		Severity: incident.Severity(*severity),
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(e.out, incs)
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSEVERITY\tUPDATED\tTITLE")
	for _, inc := range incs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inc.ID, inc.Status, inc.Severity, inc.UpdatedAt.UTC().Format(time.RFC3339), inc.Title)
	}
	return tw.Flush()
}

func cmdStatus(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("status", e)
	id := fs.String("id", "", "incident ID")
	to := fs.String("to", "", "new status")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := errors.Join(required("id", *id), required("to", *to)); err != nil {
		return err
	}

	inc, err := e.svc.ApplyTransition(ctx, *id, incident.Status(*to))
	if err != nil {
		var terr *incident.TransitionError
		if errors.As(err, &terr) {
			return fmt.Errorf("%w (allowed from %s: %v)", err, terr.From, incident.NextStatuses(terr.From))
		}
		return err
	}
	return printJSON(e.out, inc)
}

func cmdTimeline(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("timeline", e)
	id := fs.String("id", "", "incident ID")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("id", *id); err != nil {
		return err
	}

	if _, ok, err := e.svc.Get(ctx, *id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", *id, incident.ErrNotFound)
	}
	events, err := e.svc.ListTimeline(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(e.out, events)
}

func cmdDelete(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("delete", e)
	id := fs.String("id", "", "incident ID")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("id", *id); err != nil {
		return err
	}

	existed, err := e.svc.Delete(ctx, *id)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("%s: %w", *id, incident.ErrNotFound)
	}
	fmt.Fprintf(e.out, "deleted %s\n", *id)
	return nil
}

func cmdCheck(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("check", e)
	title := fs.String("title", "", "candidate title")
	source := fs.String("source", "", "source the candidate came from")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("title", *title); err != nil {
		return err
	}

	res, err := e.svc.CheckDuplicate(ctx, *title, *source)
	if err != nil {
		return err
	}
	return printJSON(e.out, res)
}

func cmdReport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("report", e)
	title := fs.String("title", "", "report title")
	description := fs.String("description", "", "report description")
	source := fs.String("source", "", "source the report came from")
	severity := fs.String("severity", "", "severity (default: derived from keywords)")
	if err := parse(fs, args); err != nil {
		return err
	}

	res, err := e.svc.Report(ctx, incident.Report{
		Title:       *title,
		Description: *description,
		Source:      *source,
		Severity:    incident.Severity(*severity),
	})
	if err != nil {
		return err
	}
	return printJSON(e.out, res)
}

func cmdMigrate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("migrate", e)
	if err := parse(fs, args); err != nil {
		return err
	}
	if e.databaseURL == "" {
		return fmt.Errorf("%w: -database-url (or BREACHLOG_DATABASE_URL) is required for migrate", errUsage)
	}

	if err := postgres.Migrate(ctx, e.databaseURL); err != nil {
		return err
	}
	ver, err := postgres.MigrationVersion(ctx, e.databaseURL)
	if err != nil {
		return err
	}
	e.logger.Info(ctx, "migrations applied", "version", ver)
	fmt.Fprintf(e.out, "schema at version %d\n", ver)
	return nil
}

func cmdToken(_ context.Context, e *env, args []string) error {
	fs := newFlagSet("token", e)
	secret := fs.String("jwt-secret", "", "HMAC secret shared with the server")
	issuerName := fs.String("jwt-issuer", "breachlog", "issuer claim")
	subject := fs.String("subject", "", "token subject, e.g. an analyst's handle")
	role := fs.String("role", string(authmw.RoleViewer), "viewer, analyst or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	hash := fs.String("hash", "", "print a bcrypt hash of this static API token instead of issuing a role token")
	if err := parse(fs, args); err != nil {
		return err
	}

	if *hash != "" {
		h, err := authmw.HashToken(*hash)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, h)
		return nil
	}

	if err := errors.Join(required("jwt-secret", *secret), required("subject", *subject)); err != nil {
		return err
	}
	iss, err := authmw.NewIssuer(*secret, *issuerName)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	tok, err := iss.Issue(*subject, authmw.Role(*role), *ttl)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	fmt.Fprintln(e.out, tok)
	return nil
}
