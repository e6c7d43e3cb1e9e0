package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/blob"
	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/dispatch"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/modstore"
	"github.com/kestrelhq/kestrel/internal/mux"
	"github.com/kestrelhq/kestrel/internal/pool"
	"github.com/kestrelhq/kestrel/internal/queue"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// adminConn bundles the clients an admin command needs. Admin commands
// talk to the same stores as the daemon but run no pool of their own.
type adminConn struct {
	cfg *config.Config
	pg  *pgxpool.Pool
	rdb *redis.Client
}

func openAdmin(ctx context.Context) (*adminConn, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pg, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &adminConn{cfg: cfg, pg: pg, rdb: rdb}, nil
}

func (c *adminConn) Close() {
	c.rdb.Close()
	c.pg.Close()
}

func (c *adminConn) modules(ctx context.Context) (*modstore.Store, error) {
	durable, err := modstore.NewPostgresDurable(ctx, c.pg)
	if err != nil {
		return nil, err
	}
	shared := cache.NewRedisCacheFromClient(c.rdb, "kestrel:")
	return modstore.New(durable, shared,
		modstore.WithLocker(coord.NewLocker(c.rdb)),
		modstore.WithTTL(c.cfg.Cache.ModuleTTL(), time.Minute),
	), nil
}

// cliExecutor marks the admin CLI as a non-executing instance: cancels
// always route through the cancel channel to whichever daemon owns the
// run.
type cliExecutor struct{}

func (cliExecutor) ID() string { return "cli" }
func (cliExecutor) Execute(context.Context, *pool.Request, pool.OnEvent) (*pool.Outcome, error) {
	return nil, fmt.Errorf("admin cli does not execute runs")
}
func (cliExecutor) Cancel(string, string) bool { return false }

func (c *adminConn) dispatcher(ctx context.Context) (*dispatch.Dispatcher, registry.Registry, error) {
	reg, err := registry.NewPostgresRegistry(ctx, c.pg)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.NewPostgresQueue(ctx, c.pg)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := blob.NewPostgresStore(ctx, c.pg)
	if err != nil {
		return nil, nil, err
	}
	ps := coord.NewRedisPubSub(c.rdb)
	m := mux.New(reg, ps, mux.Config{})
	d := dispatch.New(dispatch.Config{
		DeadlineDefault: c.cfg.Pool.DeadlineDefault(),
		DeadlineMax:     c.cfg.Pool.DeadlineMax(),
	}, q, queue.NewRedisNotifier(c.rdb), reg, cliExecutor{}, m, blobs, ps)
	return d, reg, nil
}

func moduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage stored modules and workflows",
	}
	cmd.AddCommand(
		modulePutCmd(),
		moduleGetCmd(),
		moduleListCmd(),
		moduleDeleteCmd(),
	)
	return cmd
}

func modulePutCmd() *cobra.Command {
	var (
		org        string
		file       string
		entityType string
	)
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store a module or workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			store, err := conn.modules(ctx)
			if err != nil {
				return err
			}

			m := &domain.Module{
				Org:        domain.OrgScope(org),
				Path:       args[0],
				Content:    content,
				EntityType: domain.EntityType(entityType),
			}
			if err := store.Put(ctx, m); err != nil {
				return err
			}
			fmt.Printf("Stored %s (%s, %d bytes)\n", m.Path, m.Org, len(content))
			fmt.Printf("  Hash: %s\n", m.ContentHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope (empty for the global tier)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Source file")
	cmd.Flags().StringVar(&entityType, "type", "module", "Entity type (module, workflow)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func moduleGetCmd() *cobra.Command {
	var (
		org         string
		showContent bool
	)
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch a module through the org -> global cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			store, err := conn.modules(ctx)
			if err != nil {
				return err
			}

			m, err := store.Get(ctx, domain.OrgScope(org), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Module: %s\n", m.Path)
			fmt.Printf("  Scope:   %s\n", m.Org)
			fmt.Printf("  Type:    %s\n", m.EntityType)
			fmt.Printf("  Hash:    %s\n", m.ContentHash)
			fmt.Printf("  Size:    %d bytes\n", len(m.Content))
			fmt.Printf("  Updated: %s\n", m.UpdatedAt.Format(time.RFC3339))
			if showContent {
				fmt.Printf("\n%s", m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope (empty for the global tier)")
	cmd.Flags().BoolVar(&showContent, "content", false, "Print the module source")
	return cmd
}

func moduleListCmd() *cobra.Command {
	var (
		org    string
		prefix string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List module paths visible to a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			store, err := conn.modules(ctx)
			if err != nil {
				return err
			}

			paths, err := store.List(ctx, domain.OrgScope(org), prefix)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Println("No modules found")
				return nil
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope (empty for the global tier)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Path prefix filter")
	return cmd
}

func moduleDeleteCmd() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:     "delete <path>",
		Aliases: []string{"rm"},
		Short:   "Delete a module from a scope",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			store, err := conn.modules(ctx)
			if err != nil {
				return err
			}

			if err := store.Delete(ctx, domain.OrgScope(org), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s from scope %s\n", args[0], domain.OrgScope(org))
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope (empty for the global tier)")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and inspect runs",
	}
	cmd.AddCommand(
		runSubmitCmd(),
		runGetCmd(),
		runListCmd(),
		runLogsCmd(),
		runWatchCmd(),
		runCancelCmd(),
	)
	return cmd
}

func runSubmitCmd() *cobra.Command {
	var (
		org        string
		kind       string
		inputs     string
		deadlineMS int64
		runAt      string
		requester  string
	)
	cmd := &cobra.Command{
		Use:   "submit <path>",
		Short: "Submit a run for a stored workflow or module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			d, _, err := conn.dispatcher(ctx)
			if err != nil {
				return err
			}

			payload := json.RawMessage("{}")
			if inputs != "" {
				if strings.HasPrefix(inputs, "@") {
					data, err := os.ReadFile(inputs[1:])
					if err != nil {
						return err
					}
					payload = data
				} else {
					payload = json.RawMessage(inputs)
				}
			}

			opts := dispatch.SubmitOptions{
				RequesterID:        requester,
				DeadlineOverrideMS: deadlineMS,
			}
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				opts.RunAt = at
			}

			target := domain.Target{Kind: domain.TargetKind(kind), Path: args[0]}
			run, err := d.Submit(ctx, domain.OrgScope(org), target, payload, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Run submitted: %s\n", run.ID)
			fmt.Printf("  Target: %s %s\n", run.Target.Kind, run.Target.Path)
			fmt.Printf("  Status: %s\n", run.Status)
			if !opts.RunAt.IsZero() {
				fmt.Printf("  Due:    %s\n", opts.RunAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope")
	cmd.Flags().StringVar(&kind, "kind", "workflow", "Target kind (workflow, module)")
	cmd.Flags().StringVarP(&inputs, "inputs", "i", "", "JSON inputs, or @file")
	cmd.Flags().Int64Var(&deadlineMS, "deadline-ms", 0, "Per-run deadline override in milliseconds")
	cmd.Flags().StringVar(&runAt, "at", "", "Defer execution until this RFC3339 time")
	cmd.Flags().StringVar(&requester, "requester", "cli", "Requester id recorded on the run")
	return cmd
}

func runGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run's recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			reg, err := registry.NewPostgresRegistry(ctx, conn.pg)
			if err != nil {
				return err
			}

			run, err := reg.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run: %s\n", run.ID)
			fmt.Printf("  Org:       %s\n", run.Org)
			fmt.Printf("  Target:    %s %s\n", run.Target.Kind, run.Target.Path)
			fmt.Printf("  Status:    %s\n", run.Status)
			fmt.Printf("  Enqueued:  %s\n", run.EnqueuedAt.Format(time.RFC3339))
			if run.StartedAt != nil {
				fmt.Printf("  Started:   %s (pool %s)\n", run.StartedAt.Format(time.RFC3339), run.PoolID)
			}
			if run.CompletedAt != nil {
				fmt.Printf("  Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			if run.ErrorKind != "" {
				fmt.Printf("  Error:     %s: %s\n", run.ErrorKind, run.ErrorMessage)
			}
			if len(run.Result) > 0 {
				fmt.Printf("  Result:    %s\n", run.Result)
			}
			if run.Usage.DurationMS > 0 {
				fmt.Printf("  Duration:  %d ms\n", run.Usage.DurationMS)
			}
			if run.LogTruncated {
				fmt.Printf("  Logs:      truncated\n")
			}
			return nil
		},
	}
}

func runListCmd() *cobra.Command {
	var (
		org    string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			reg, err := registry.NewPostgresRegistry(ctx, conn.pg)
			if err != nil {
				return err
			}

			filter := registry.ListFilter{Org: domain.OrgScope(org), Limit: limit}
			if status != "" {
				filter.Statuses = []domain.RunStatus{domain.RunStatus(status)}
			}
			runs, err := reg.List(ctx, filter)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORG\tTARGET\tSTATUS\tENQUEUED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Org, run.Target.Path, run.Status,
					run.EnqueuedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Org scope filter")
	cmd.Flags().StringVar(&status, "status", "", "Status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func runLogsCmd() *cobra.Command {
	var afterSeq uint64
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's persisted log records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			reg, err := registry.NewPostgresRegistry(ctx, conn.pg)
			if err != nil {
				return err
			}

			records, err := reg.Logs(ctx, args[0], afterSeq, 0)
			if err != nil {
				return err
			}
			for _, rec := range records {
				printLogRecord(&rec)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "Only records with sequence greater than this")
	return cmd
}

func runWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			reg, err := registry.NewPostgresRegistry(ctx, conn.pg)
			if err != nil {
				return err
			}
			m := mux.New(reg, coord.NewRedisPubSub(conn.rdb), mux.Config{})
			defer m.Close(context.Background())

			events, err := m.Subscribe(ctx, args[0])
			if err != nil {
				return err
			}
			for ev := range events {
				switch ev.Type {
				case mux.EventSnapshot:
					fmt.Printf("--- %s (%d records persisted)\n", ev.Status, ev.SeqHWM)
				case mux.EventLog:
					printLogRecord(ev.Record)
				case mux.EventProgress:
					fmt.Printf("... %s\n", ev.Phase)
				case mux.EventStatus:
					fmt.Printf("--- %s\n", ev.Status)
				case mux.EventTerminal:
					if ev.ErrorKind != "" {
						fmt.Printf("=== %s (%s: %s)\n", ev.Status, ev.ErrorKind, ev.ErrorMessage)
					} else {
						fmt.Printf("=== %s\n", ev.Status)
					}
				}
			}
			return nil
		},
	}
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := openAdmin(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			d, reg, err := conn.dispatcher(ctx)
			if err != nil {
				return err
			}

			if err := d.CancelRun(ctx, args[0], reason); err != nil {
				return err
			}
			run, err := reg.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run %s is now %s\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "Reason recorded on the run")
	return cmd
}

func printLogRecord(rec *domain.LogRecord) {
	if rec == nil {
		return
	}
	fmt.Printf("%6d  %s  %-5s  %s\n",
		rec.Sequence,
		rec.Timestamp.Format("15:04:05.000"),
		rec.Severity,
		rec.Message)
}
