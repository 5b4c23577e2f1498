package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/artifact"
	"github.com/cuemby/cyberrange/pkg/config"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/events"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/network"
	"github.com/cuemby/cyberrange/pkg/reconciler"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

var serverConfig = config.New()

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the cyberrange API server",
	Long: `Run the orchestrator: the REST API, live event channels, the job
engine and the maintenance loop, against a local Docker or containerd
runtime.

Settings are read from cyberrange.yaml, CYBERRANGE_* environment variables
and the flags below, flags taking precedence.

Examples:
  # Docker runtime, state under ./range-data
  cyberrange server --data-dir ./range-data

  # containerd runtime with SQLite event log
  CYBERRANGE_EVENTS_BACKEND=sqlite cyberrange server --runtime containerd`,
	RunE: runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringP("config", "c", "", "Config file (default searches /etc/cyberrange, ~/.cyberrange, .)")
	f.String("data-dir", "/var/lib/cyberrange", "Directory for state, event log and artifact cache")
	f.String("api-addr", ":8080", "Address for the REST API")
	f.String("grpc-health-addr", ":9090", "Address for the gRPC health service (empty disables)")
	f.String("runtime", config.BackendDocker, "Container runtime backend (docker or containerd)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Emit logs as JSON")

	for key, flag := range map[string]string{
		"data_dir":             "data-dir",
		"api.addr":             "api-addr",
		"api.grpc_health_addr": "grpc-health-addr",
		"runtime.backend":      "runtime",
		"log.level":            "log-level",
		"log.json":             "log-json",
	} {
		_ = serverConfig.BindPFlag(key, f.Lookup(flag))
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(serverConfig, cfgPath)
	if err != nil {
		return err
	}

	log.Init(cfg.Logging())
	logger := log.WithComponent("server")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentStore, false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "ok")

	bc := events.NewBroadcaster(store, cfg.Events.SubscriberBuffer)
	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Events.RedisAddr, err)
		}
		relay := events.NewRedisRelay(rdb, 0)
		relay.Start()
		defer relay.Stop()
		bc.AddRelay(relay)
		logger.Info().Str("addr", cfg.Events.RedisAddr).Msg("Relaying live events to redis")
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentRuntime, false, err.Error())
		return err
	}
	limited := runtime.NewLimited(rt, cfg.RuntimeSlots())
	defer limited.Close()
	metrics.RegisterComponent(metrics.ComponentRuntime, true, "ok")

	engine := jobs.NewEngine(store, bc, cfg.Engine())
	defer engine.Stop()

	sources := map[string]artifact.Source{}
	if s3src, err := artifact.NewS3Source(ctx, cfg.S3()); err != nil {
		logger.Warn().Err(err).Msg("s3:// disk sources unavailable")
	} else {
		sources["s3"] = s3src
	}
	artifacts, err := artifact.NewManager(store, engine, limited, artifact.Config{
		CacheDir: cfg.Artifact.CacheDir,
		Sources:  sources,
		Sizer:    artifact.RegistrySize,
	})
	if err != nil {
		return fmt.Errorf("failed to create artifact manager: %w", err)
	}

	orch := deploy.NewOrchestrator(store, engine, limited, artifacts, bc, cfg.Orchestrator())

	recon := reconciler.NewReconciler(engine, orch, limited, store, cfg.Reconcile())
	if err := recon.Recover(ctx); err != nil {
		return err
	}
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	srv := api.NewServer(api.Deps{
		Store:        store,
		Orchestrator: orch,
		Jobs:         engine,
		Artifacts:    artifacts,
		Events:       bc,
	})
	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var healthSrv *api.HealthGRPC
	if cfg.API.GRPCHealthAddr != "" {
		healthSrv = api.NewHealthGRPC()
		go func() {
			if err := healthSrv.Start(cfg.API.GRPCHealthAddr); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("version", Version).
		Str("api_addr", cfg.API.Addr).
		Str("runtime", cfg.Runtime.Backend).
		Int("runtime_slots", limited.Slots()).
		Str("data_dir", cfg.DataDir).
		Msg("Cyberrange server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server failed, shutting down")
	}

	// Closing the broadcaster ends live streams so HTTP shutdown does not
	// wait on them.
	bc.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("API shutdown incomplete")
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}
	return err
}

func openStore(cfg *config.Config) (storage.Store, error) {
	bolt, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if cfg.Events.Backend != config.EventsSQLite {
		return bolt, nil
	}
	el, err := storage.NewSQLiteEventLog(cfg.DataDir)
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return storage.WithEventLog(bolt, el), nil
}

func openRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Backend {
	case config.BackendContainerd:
		bridges, err := network.NewBridgeManager()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bridge networking: %w", err)
		}
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSocket, bridges)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rt, err := runtime.NewDockerRuntime(pingCtx, cfg.Runtime.DockerHost)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}
