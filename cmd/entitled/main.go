// Command entitled runs the billing entitlement service: it receives Stripe webhooks,
// keeps user profiles in sync and answers entitlement checks.
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

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/internal/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "entitled",
	Short:         "Subscription entitlement service",
	Long:          `entitled turns Stripe subscription events into a per-user Pro entitlement.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the storage schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		b, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info().Str("driver", cfg.Storage.Driver).Msg("Storage schema is up to date")
		return nil
	},
}

var syncUserID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile one user's entitlement with Stripe",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if syncUserID == "" {
			return errors.New("--user is required")
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.syncer.Sync(cmd.Context(), syncUserID)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "entitled %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a config file (yaml, toml or json)")
	syncCmd.Flags().StringVar(&syncUserID, "user", "", "user id to reconcile")

	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServer serves until ctx is cancelled, then drains in-flight requests.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.routes(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.HTTP.Addr).
			Str("storage", cfg.Storage.Driver).
			Str("version", Version).
			Msg("Starting entitled")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
