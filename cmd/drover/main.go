package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drovergrid/drover/pkg/api"
	"github.com/drovergrid/drover/pkg/auth"
	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/config"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/locks"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/metrics"
	"github.com/drovergrid/drover/pkg/progress"
	"github.com/drovergrid/drover/pkg/registry"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/sweeper"
	"github.com/drovergrid/drover/pkg/tasks"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	collectorInterval = 15 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - coordination service for batch worker fleets",
	Long: `Drover coordinates fleets of workers processing batch jobs over a
shared filesystem: node registration and liveness, job lifecycle with
optimistic concurrency, distributed path locks with lease expiry, and
per-folder progress tracking with roll-up, all behind one HTTP API
with a websocket event stream.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(adminTokenCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the coordinator",
	Long: `server runs the coordinator until SIGINT or SIGTERM.

Configuration comes from the optional --config YAML file overlaid with
DROVER_* environment variables. The token signing key is required and
must arrive via DROVER_AUTH_SIGNING_KEY or auth.signingKeyFile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.Store.Connection)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	clk := clock.NewSystem()

	broker := events.NewBroker(clk)
	broker.Start()
	defer broker.Stop()

	tokens := auth.NewTokenManager([]byte(cfg.Auth.SigningKey), cfg.Auth.TokenLifetime.Std(), clk)

	srv := api.New(api.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Registry:   registry.New(store, clk, broker, tokens, cfg.Heartbeat.LiveWindow.Std()),
		Tasks:      tasks.New(store, clk, broker, cfg.Update.RetryLimit),
		Locks:      locks.New(store, clk, broker, cfg.Lock.ExpiryWindow.Std()),
		Progress:   progress.New(store, clk, broker),
		Broker:     broker,
		Store:      store,
		Tokens:     tokens,
	})

	swp := sweeper.New(store, clk, broker,
		cfg.Sweeper.Interval.Std(),
		cfg.Heartbeat.LiveWindow.Std(),
		cfg.Lock.ExpiryWindow.Std())
	swp.Start()
	defer swp.Stop()

	collector := metrics.NewCollector(store, collectorInterval)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("store", cfg.Store.Connection).
		Str("version", Version).
		Msg("coordinator started")

	return g.Wait()
}

var adminTokenID string

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin-role bearer token",
	Long: `admin-token signs a token with the admin role using the configured
signing key. Admin tokens may act for any node and authorize
destructive operations such as the global lock reset.

The token prints to stdout for shell capture:

  export DROVER_TOKEN=$(drover admin-token --config drover.yaml)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		tokens := auth.NewTokenManager([]byte(cfg.Auth.SigningKey), cfg.Auth.TokenLifetime.Std(), clock.NewSystem())
		token, err := tokens.Issue(adminTokenID, auth.RoleAdmin)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&adminTokenID, "id", "admin", "Subject id embedded in the token")
}
