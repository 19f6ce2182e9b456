package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/reconcile"
	"finsync/internal/domain/refresh"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/interfaces/scheduler"
	"finsync/internal/shared/telemetry"
)

const dateLayout = "2006-01-02"

// withDeps builds the dependencies, runs fn and maps its error to an exit status.
func withDeps(ctx context.Context, fn func(ctx context.Context, d *Dependencies) error) subcommands.ExitStatus {
	d, err := NewDependencies(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer d.Close()

	if err := fn(ctx, d); err != nil {
		d.Log.WithError(err).Error("Command failed")
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(f *flag.FlagSet, msg string) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	f.Usage()
	return subcommands.ExitUsageError
}

type serveCmd struct {
	noScheduler bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the refresh scheduler until interrupted" }
func (*serveCmd) Usage() string {
	return `finsync serve [-no-scheduler]

  Runs scheduled soft refreshes of every connection whose cooldown has
  elapsed, and serves Prometheus metrics when telemetry is enabled.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.noScheduler, "no-scheduler", false, "Start without the refresh scheduler.")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		cfg := d.Config

		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.Init(ctx, telemetry.Config{
				ServiceName:  cfg.Telemetry.ServiceName,
				Environment:  cfg.Telemetry.Environment,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				MetricsPort:  cfg.Telemetry.MetricsPort,
			}, d.Log)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					d.Log.WithError(err).Warn("Telemetry shutdown failed")
				}
			}()
		}

		var sched *scheduler.Scheduler
		if cfg.Scheduler.Enabled && !c.noScheduler {
			var err error
			sched, err = scheduler.New(scheduler.Config{
				ScheduleTimes: cfg.Scheduler.ScheduleTimes,
				Pool: scheduler.PoolConfig{
					Workers:    cfg.Scheduler.WorkerCount,
					QueueSize:  cfg.Scheduler.QueueSize,
					JobDelay:   cfg.Scheduler.JobDelay,
					JobTimeout: cfg.Scheduler.JobTimeout,
				},
				RunOnStartup: cfg.Scheduler.RunOnStartup,
				JobProvider:  scheduler.RefreshJobProvider(d.Connections, d.Engine, cfg.Scheduler.BatchLimit, d.Log),
			}, d.Log)
			if err != nil {
				return err
			}
			sched.Start()
			d.Log.WithField("next_run", sched.NextRun(time.Now())).Info("Scheduler running")
		}

		<-ctx.Done()
		d.Log.Info("Shutting down")
		if sched != nil {
			sched.Shutdown(30 * time.Second)
		}
		return nil
	})
}

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or inspect database migrations" }
func (*migrateCmd) Usage() string {
	return `finsync migrate [up|down|status|version]

  Runs a migration command against the configured database. Defaults to up.
`
}

func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	command := "up"
	if f.NArg() > 0 {
		command = f.Arg(0)
	}

	cfg, log, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	db, err := openDB(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, command, log.WithField("component", "migrate")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type linkTokenCmd struct {
	userID string
}

func (*linkTokenCmd) Name() string     { return "link-token" }
func (*linkTokenCmd) Synopsis() string { return "create a link token for a user" }
func (*linkTokenCmd) Usage() string {
	return `finsync link-token -user <id>

  Creates a short-lived token the client uses to open the institution
  linking flow.
`
}

func (c *linkTokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.userID, "user", "", "User to create the token for.")
}

func (c *linkTokenCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.userID == "" {
		return usageError(f, "-user is required")
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		token, err := d.Engine.CreateLinkToken(ctx, c.userID)
		if err != nil {
			return err
		}
		return printJSON(token)
	})
}

type registerCmd struct {
	params reconcile.RegisterParams
}

func (*registerCmd) Name() string     { return "register" }
func (*registerCmd) Synopsis() string { return "exchange a public token and run the initial sync" }
func (*registerCmd) Usage() string {
	return `finsync register -user <id> -token <public_token> [-institution-id <id>] [-institution-name <name>] [-reconnect <connection_id>]

  Registers a newly linked institution and pulls its accounts, holdings
  and transaction history. With -reconnect, accounts of the given prior
  connection are carried over by name and that connection is disabled.
`
}

func (c *registerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.params.UserID, "user", "", "Owner of the connection.")
	f.StringVar(&c.params.PublicToken, "token", "", "Public token returned by the linking flow.")
	f.StringVar(&c.params.InstitutionID, "institution-id", "", "Institution id reported by the linking flow.")
	f.StringVar(&c.params.InstitutionName, "institution-name", "", "Institution name used when the lookup fails.")
	f.StringVar(&c.params.ReconnectOf, "reconnect", "", "Prior connection this link replaces.")
}

func (c *registerCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.params.Validate(); err != nil {
		return usageError(f, err.Error())
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		conn, report, err := d.Engine.RegisterConnection(ctx, c.params)
		if err != nil && conn == nil {
			return err
		}
		if perr := printJSON(struct {
			Connection any                   `json:"connection"`
			Report     *reconcile.SyncReport `json:"report,omitempty"`
		}{conn, report}); perr != nil {
			return perr
		}
		return err
	})
}

type syncCmd struct {
	connectionID string
	start        string
	end          string
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "sync one connection over a date window" }
func (*syncCmd) Usage() string {
	return `finsync sync -connection <id> [-start YYYY-MM-DD] [-end YYYY-MM-DD]

  Syncs accounts, holdings and transactions of a connection. The window
  defaults to the soft refresh lookback ending today. Cooldowns are not
  checked.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.connectionID, "connection", "", "Connection to sync.")
	f.StringVar(&c.start, "start", "", "First transaction date.")
	f.StringVar(&c.end, "end", "", "Last transaction date.")
}

func (c *syncCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.connectionID == "" {
		return usageError(f, "-connection is required")
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		start, end := d.Engine.LookbackWindow()
		var err error
		if c.start != "" {
			if start, err = time.Parse(dateLayout, c.start); err != nil {
				return fmt.Errorf("invalid -start: %w", err)
			}
		}
		if c.end != "" {
			if end, err = time.Parse(dateLayout, c.end); err != nil {
				return fmt.Errorf("invalid -end: %w", err)
			}
		}

		report, err := d.Engine.SyncConnection(ctx, c.connectionID, start, end)
		if err != nil {
			return err
		}
		logReport(d.Log, report)
		return printJSON(report)
	})
}

type refreshCmd struct {
	connectionID string
	kind         string
}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "request a soft or hard refresh of a connection" }
func (*refreshCmd) Usage() string {
	return `finsync refresh -connection <id> [-kind soft|hard]

  A soft refresh re-syncs recent history and is allowed once a week. A hard
  refresh returns an update-mode link token and is allowed once a quarter.
`
}

func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.connectionID, "connection", "", "Connection to refresh.")
	f.StringVar(&c.kind, "kind", string(refresh.Soft), "Refresh kind.")
}

func (c *refreshCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.connectionID == "" {
		return usageError(f, "-connection is required")
	}
	kind, err := refresh.ParseKind(c.kind)
	if err != nil {
		return usageError(f, err.Error())
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		res, err := d.Engine.RequestRefresh(ctx, c.connectionID, kind)
		if err != nil {
			return err
		}
		if rej := res.Decision.Rejection(); rej != nil {
			fmt.Fprintln(os.Stderr, rej)
		}
		logReport(d.Log, res.Report)
		return printJSON(res)
	})
}

type completeCmd struct {
	connectionID string
	token        string
}

func (*completeCmd) Name() string     { return "complete" }
func (*completeCmd) Synopsis() string { return "finish a hard refresh after the user reconnected" }
func (*completeCmd) Usage() string {
	return `finsync complete -connection <id> [-token <public_token>]

  Resyncs a connection after the update-mode linking flow. A public token,
  when given, replaces the stored credential.
`
}

func (c *completeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.connectionID, "connection", "", "Connection being reconnected.")
	f.StringVar(&c.token, "token", "", "Public token returned by the linking flow.")
}

func (c *completeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.connectionID == "" {
		return usageError(f, "-connection is required")
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		res, err := d.Engine.CompleteHardRefresh(ctx, c.connectionID, c.token)
		if err != nil {
			return err
		}
		if rej := res.Decision.Rejection(); rej != nil {
			fmt.Fprintln(os.Stderr, rej)
		}
		logReport(d.Log, res.Report)
		return printJSON(res)
	})
}

type statusCmd struct {
	userID       string
	connectionID string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show connection status for a user or one connection" }
func (*statusCmd) Usage() string {
	return `finsync status (-user <id> | -connection <id>)
`
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.userID, "user", "", "Summarize every connection of this user.")
	f.StringVar(&c.connectionID, "connection", "", "Show a single connection.")
}

func (c *statusCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if (c.userID == "") == (c.connectionID == "") {
		return usageError(f, "exactly one of -user or -connection is required")
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		if c.connectionID != "" {
			st, err := d.Engine.GetConnectionStatus(ctx, c.connectionID)
			if err != nil {
				return err
			}
			return printJSON(st)
		}
		summary, err := d.Engine.GetStatus(ctx, c.userID)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

type unlinkCmd struct {
	connectionID string
}

func (*unlinkCmd) Name() string     { return "unlink" }
func (*unlinkCmd) Synopsis() string { return "disable a connection" }
func (*unlinkCmd) Usage() string {
	return `finsync unlink -connection <id>

  Disables the connection. Stored accounts and history are kept.
`
}

func (c *unlinkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.connectionID, "connection", "", "Connection to disable.")
}

func (c *unlinkCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.connectionID == "" {
		return usageError(f, "-connection is required")
	}
	return withDeps(ctx, func(ctx context.Context, d *Dependencies) error {
		if err := d.Engine.Unlink(ctx, c.connectionID); err != nil {
			return err
		}
		d.Log.WithField("connection_id", c.connectionID).Info("Connection unlinked")
		return nil
	})
}

// logReport surfaces the failures a JSON report hides.
func logReport(log logrus.FieldLogger, report *reconcile.SyncReport) {
	if report == nil {
		return
	}
	log = log.WithField("connection_id", report.ConnectionID)
	if report.HoldingsErr != nil {
		log.WithError(report.HoldingsErr).Warn("Holdings sync failed")
	}
	if tx := report.Transactions; tx != nil && tx.Incomplete {
		log.WithError(tx.FetchErr).Warn("Transaction sync incomplete")
	}
}
