package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/blob"
	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/dispatch"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/modstore"
	"github.com/kestrelhq/kestrel/internal/mux"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/pool"
	"github.com/kestrelhq/kestrel/internal/queue"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/sched"
)

func daemonCmd() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the execution engine",
		Long:  "Run one engine instance: queue consumers, a worker pool, the log multiplexer, and the scheduler sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if instanceID == "" {
				host, _ := os.Hostname()
				if host == "" {
					host = "kestrel"
				}
				instanceID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stopTracing, err := observability.Init(ctx, "kestreld", cfg.Daemon.OTLPEndpoint)
			if err != nil {
				return err
			}
			metrics.InitPrometheus("kestrel", nil)

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

			local := cache.NewInMemoryCache()
			shared := cache.NewRedisCacheFromClient(rdb, "kestrel:")
			tiered := cache.NewTieredCache(local, shared, 10*time.Second)

			invalidator := cache.NewInvalidator(local, rdb)
			go invalidator.Start(ctx)
			defer invalidator.Close()

			locker := coord.NewLocker(rdb)
			hb := coord.NewHeartbeatRegistry(rdb)
			ps := coord.NewRedisPubSub(rdb)

			durable, err := modstore.NewPostgresDurable(ctx, pg)
			if err != nil {
				return err
			}
			modules := modstore.New(durable, tiered,
				modstore.WithLocker(locker),
				modstore.WithStampedeGuard(coord.NewGuard(locker, tiered, cfg.Cache.RecomputeLockTTL())),
				modstore.WithInvalidation(invalidator),
				modstore.WithTTL(cfg.Cache.ModuleTTL(), time.Minute),
			)
			if n, err := modules.WarmAll(ctx); err != nil {
				logging.Op().Warn("module cache warm-up incomplete", "warmed", n, "error", err)
			} else {
				logging.Op().Info("module cache warmed", "modules", n)
			}

			reg, err := registry.NewPostgresRegistry(ctx, pg)
			if err != nil {
				return err
			}
			q, err := queue.NewPostgresQueue(ctx, pg)
			if err != nil {
				return err
			}
			notifier := queue.NewRedisNotifier(rdb)

			var blobs blob.Store
			switch cfg.Blob.Backend {
			case "s3":
				blobs, err = blob.NewS3Store(ctx, cfg.Blob.S3Bucket, cfg.Blob.S3Region)
			default:
				blobs, err = blob.NewPostgresStore(ctx, pg)
			}
			if err != nil {
				return fmt.Errorf("init blob store: %w", err)
			}

			m := mux.New(reg, ps, mux.Config{
				BatchSize:      cfg.Multiplexer.BatchMaxRecords,
				FlushInterval:  time.Duration(cfg.Multiplexer.BatchMaxIntervalMS) * time.Millisecond,
				MaxRunLogBytes: cfg.Multiplexer.PerRunLogBufferB,
			})

			launcher := &pool.ExecLauncher{Binary: cfg.Pool.WorkerBinary}
			p, err := pool.New(instanceID, pool.Config{
				MinWorkers:               cfg.Pool.MinWorkers,
				MaxWorkers:               cfg.Pool.MaxWorkers,
				SoftCancelGrace:          cfg.Pool.SoftCancelGrace(),
				HardKillGrace:            cfg.Pool.HardKillGrace(),
				MemoryLimitDefault:       uint64(cfg.Pool.MemoryLimitDefaultBytes),
				QueueHighWatermark:       cfg.Pool.QueueHighWatermark,
				QueueHighWatermarkWindow: time.Duration(cfg.Pool.QueueHighWatermarkDurationMS) * time.Millisecond,
				IdleWorkerTTL:            cfg.Pool.IdleWorkerTTL,
				HeartbeatInterval:        time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond,
				HeartbeatTTL:             time.Duration(cfg.Heartbeat.TTLMS) * time.Millisecond,
			}, launcher, hb)
			if err != nil {
				return fmt.Errorf("start pool: %w", err)
			}

			d := dispatch.New(dispatch.Config{
				Consumers:       cfg.Run.Consumers,
				LeaseTTL:        cfg.Run.LeaseTTL(),
				PollInterval:    cfg.Run.PollInterval(),
				DeadlineDefault: cfg.Pool.DeadlineDefault(),
				DeadlineMax:     cfg.Pool.DeadlineMax(),
				MaxRedeliveries: cfg.Run.MaxRedeliveries,
				NackBackoffBase: cfg.Run.NackBackoffBase(),
				OrgConcurrency:  cfg.Run.OrgConcurrency,
				InlineInputsCap: cfg.Run.InlineInputsCapBytes,
			}, q, notifier, reg, p, m, blobs, ps)
			d.Start(ctx)

			sch := sched.New(sched.Config{
				InstanceID: instanceID,
				Tick:       time.Duration(cfg.Scheduler.TickMS) * time.Millisecond,
				StuckSweep: time.Duration(cfg.Scheduler.StuckSweepMS) * time.Millisecond,
			}, reg, d, hb, locker, m)
			if err := sch.Start(ctx); err != nil {
				return err
			}

			httpSrv := startStatusServer(cfg.Daemon.MetricsAddr, pg, rdb)

			logging.Op().Info("kestreld started",
				"instance_id", instanceID,
				"metrics_addr", cfg.Daemon.MetricsAddr,
				"workers_min", cfg.Pool.MinWorkers,
				"workers_max", cfg.Pool.MaxWorkers,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutting down", "instance_id", instanceID)
			sch.Stop()
			d.Stop()
			p.Shutdown(cfg.Pool.SoftCancelGrace() + cfg.Pool.HardKillGrace())

			flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer flushCancel()
			m.Close(flushCtx)
			httpSrv.Shutdown(flushCtx)
			if err := stopTracing(flushCtx); err != nil {
				logging.Op().Warn("trace exporter shutdown failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Engine instance id (default: hostname plus a random suffix)")
	return cmd
}

// startStatusServer exposes Prometheus metrics and a health probe that
// checks both backing stores.
func startStatusServer(addr string, pg *pgxpool.Pool, rdb *redis.Client) *http.Server {
	handler := http.NewServeMux()
	handler.Handle("/metrics", metrics.Handler())
	handler.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"postgres": "ok", "redis": "ok"}
		healthy := true
		if err := pg.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
			healthy = false
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			healthy = false
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("status server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
