// kestrel-worker is the sandboxed execution process. The pool spawns it
// with the framed protocol on stdin/stdout; operational logs go to
// stderr so they never corrupt the pipe.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/modstore"
	"github.com/kestrelhq/kestrel/internal/worker"
)

// stdio adapts the process pipe to the protocol's io.ReadWriter.
type stdio struct {
	in  io.Reader
	out io.Writer
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func main() {
	var (
		workerID    string
		interpreter string
		interpArgs  []string
		systemAllow []string
		singleUse   bool
	)

	rootCmd := &cobra.Command{
		Use:   "kestrel-worker",
		Short: "Kestrel worker process",
		Long:  "Executes runs handed over the stdio pipe protocol, resolving module imports through the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			config.LoadFromEnv(cfg)
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pg, err := pgxpool.New(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			durable, err := modstore.NewPostgresDurable(ctx, pg)
			if err != nil {
				return err
			}
			shared := cache.NewRedisCacheFromClient(rdb, "kestrel:")
			modules := modstore.New(durable, shared,
				modstore.WithTTL(cfg.Cache.ModuleTTL(), time.Minute))

			res := worker.NewResolver(modules, systemAllow)
			rt := &worker.CommandRuntime{
				Interpreter: interpreter,
				Args:        interpArgs,
			}

			logging.Op().Info("worker starting",
				"worker_id", workerID, "interpreter", interpreter)

			return worker.Serve(ctx, stdio{in: os.Stdin, out: os.Stdout}, rt, res, worker.ServeOptions{
				WorkerID: workerID,
				Reusable: !singleUse,
			})
		},
	}

	rootCmd.Flags().StringVar(&workerID, "worker-id", "", "Worker id assigned by the pool")
	rootCmd.Flags().StringVar(&interpreter, "interpreter", "python3", "Interpreter binary for module targets")
	rootCmd.Flags().StringArrayVar(&interpArgs, "interpreter-arg", nil, "Extra interpreter arguments")
	rootCmd.Flags().StringArrayVar(&systemAllow, "allow-system", nil, "System import names resolvable outside the store")
	rootCmd.Flags().BoolVar(&singleUse, "single-use", false, "Exit after the first run instead of staying warm")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
