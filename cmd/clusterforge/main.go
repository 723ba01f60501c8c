package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kami-note/clusterforge/pkg/alerts"
	"github.com/kami-note/clusterforge/pkg/backup"
	"github.com/kami-note/clusterforge/pkg/config"
	"github.com/kami-note/clusterforge/pkg/engine"
	"github.com/kami-note/clusterforge/pkg/events"
	"github.com/kami-note/clusterforge/pkg/log"
	"github.com/kami-note/clusterforge/pkg/metrics"
	"github.com/kami-note/clusterforge/pkg/monitor"
	"github.com/kami-note/clusterforge/pkg/ports"
	"github.com/kami-note/clusterforge/pkg/runtime"
	"github.com/kami-note/clusterforge/pkg/storage"
	"github.com/kami-note/clusterforge/pkg/template"
	"github.com/kami-note/clusterforge/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clusterforge",
	Short: "ClusterForge - single-host container control plane",
	Long: `ClusterForge provisions isolated containerized clusters from
declarative templates on a single host: lifecycle, health checks,
automatic recovery, resource metrics, backups and alerts, delivered
as a single binary against a Docker-compatible daemon.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ClusterForge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Start the ClusterForge control plane: reconcile persisted state
against the runtime, then run the health monitor, metrics sampler and
backup scheduler until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logJSON {
			cfg.Log.JSON = true
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("server")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		registry, err := template.NewRegistry(cfg.Templates.Root)
		if err != nil {
			return fmt.Errorf("failed to load templates: %v", err)
		}
		workspaces, err := workspace.NewManager(cfg.Workspaces.Root)
		if err != nil {
			return fmt.Errorf("failed to open workspaces: %v", err)
		}
		driver, err := runtime.NewDockerDriver(cfg.Runtime.Timeout, cfg.Runtime.StatsTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to runtime: %v", err)
		}
		defer driver.Close()

		allocator := ports.NewAllocator(cfg.Ports.Lo, cfg.Ports.Hi)
		broker := events.NewBroker()
		broker.Start()
		alertMgr := alerts.NewManager(store, broker, alerts.DefaultCoalesceWindow)

		eng := engine.New(store, registry, allocator, workspaces, driver, broker, cfg)
		if err := eng.Reconcile(context.Background()); err != nil {
			return fmt.Errorf("failed to reconcile persisted state: %v", err)
		}
		logger.Info().Msg("persisted state reconciled")

		mon := monitor.New(store, eng, driver, registry, alertMgr, cfg.Health, cfg.Metrics.HistorySize)
		mon.Start()
		logger.Info().Dur("interval", cfg.Health.Interval).Msg("health monitor started")

		sampler := metrics.NewSampler(store, driver, workspaces, broker, cfg.Metrics, cfg.Runtime.StatsTimeout)
		sampler.Start()
		logger.Info().Dur("interval", cfg.Metrics.Interval).Msg("metrics sampler started")

		backups, err := backup.NewManager(store, eng, driver, workspaces, alertMgr, broker, cfg.Backups)
		if err != nil {
			return fmt.Errorf("failed to open backup root: %v", err)
		}
		backups.Start()
		logger.Info().Dur("tick", cfg.Backups.SchedulerTick).Msg("backup scheduler started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")

		// Stop accepting lifecycle work first, then drain the loops.
		eng.Shutdown()
		backups.Stop()
		sampler.Stop()
		mon.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics endpoint shutdown")
		}
		broker.Stop()

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
	serverCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus endpoint")
	serverCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}
