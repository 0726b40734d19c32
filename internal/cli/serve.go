package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bizsync/internal/api"
	"github.com/kimhsiao/bizsync/internal/config"
	"github.com/kimhsiao/bizsync/internal/db"
	"github.com/kimhsiao/bizsync/internal/docstore"
	"github.com/kimhsiao/bizsync/internal/logging"
	syncengine "github.com/kimhsiao/bizsync/internal/sync"
)

// shutdownTimeout bounds how long in-flight requests may take after a signal.
const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command: the local app API and sync engine.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local app API and background sync",
		Long: `Opens the local database, recovers interrupted actions and starts the
sync engine and the local HTTP API. With --session, the initial sync for that
session runs in the background; its failure is logged and serving continues.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts.Config, session)
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "run the initial sync for this session at startup")
	return cmd
}

// EngineConfig maps application configuration onto the sync engine.
func EngineConfig(cfg *config.Config) (syncengine.Config, error) {
	schema, err := cfg.Schema()
	if err != nil {
		return syncengine.Config{}, err
	}
	return syncengine.Config{
		RemoteURL:        cfg.Remote.URL,
		Schema:           schema,
		SyncInterval:     cfg.Sync.Interval,
		ProbeInterval:    cfg.Sync.ProbeInterval,
		ReconcileTimeout: cfg.Sync.ReconcileTimeout,
		BootstrapTimeout: cfg.Sync.BootstrapTimeout,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		Concurrency:      cfg.Sync.Concurrency,
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, session string) error {
	database, err := db.OpenMigrated(cfg.LocalDBPath(), db.LocalSchema)
	if err != nil {
		return err
	}
	defer database.Close()

	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		return err
	}
	engine := syncengine.NewEngine(database.DB, engineCfg)
	if err := engine.Init(ctx); err != nil {
		return err
	}
	defer engine.Shutdown()

	hub := api.NewWSHub()
	defer hub.Close()
	unsubscribe := engine.Subscribe(hub.BroadcastStats)
	defer unsubscribe()

	if session != "" {
		go func() {
			res, err := engine.Bootstrap(ctx, session)
			hub.BroadcastBootstrap(session, err)
			if err == nil {
				logging.Info("Initial sync completed", map[string]interface{}{
					"session":  session,
					"skipped":  res.Skipped,
					"duration": res.Duration.String(),
				})
			}
		}()
	}

	router := api.NewRouter(api.NewHandler(engine, hub))
	return listenAndServe(ctx, cfg.ListenAddr, router)
}

// NewRemoteCommand creates the remote command: the remote document store.
func NewRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remote",
		Short: "Run the remote document store",
		Long: `Serves POST /sync, GET /sync and GET /collections/{collection} over a
SQLite database in the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRemote(ctx, rootOpts.Config)
		},
	}
}

func runRemote(ctx context.Context, cfg *config.Config) error {
	database, err := db.OpenMigrated(cfg.RemoteDBPath(), db.RemoteSchema)
	if err != nil {
		return err
	}
	defer database.Close()

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	repo := db.NewRepository(database.DB)
	defer repo.Close()

	return listenAndServe(ctx, cfg.Remote.ListenAddr, docstore.NewServer(repo, schema).Router())
}

// listenAndServe serves until ctx is done, then drains in-flight requests.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server starting", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down server", map[string]interface{}{"addr": addr})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("Server stopped", nil)
	return nil
}
