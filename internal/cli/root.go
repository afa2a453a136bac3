// Package cli is the uploader command line client.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"photoingest/internal/coordinator"
	"photoingest/internal/logging"
)

var (
	cfg     coordinator.Config
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "uploader",
	Short: "Upload photos to a photoingest server",
}

// Execute runs the command tree. An interrupt cancels the upload in flight
// and no finalize is sent for it.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfg.BaseURL, "server", "s", envOr("PHOTOINGEST_URL", "http://localhost:8080"),
		"Base URL of the ingest API")
	rootCmd.PersistentFlags().StringVarP(&cfg.Token, "token", "t", os.Getenv("PHOTOINGEST_TOKEN"),
		"Bearer token identifying the owner")
	rootCmd.PersistentFlags().DurationVar(&cfg.PreUploadTimeout, "pre-upload-timeout", 120*time.Second,
		"Bound on obtaining a transfer target")
	rootCmd.PersistentFlags().DurationVar(&cfg.TransferTimeout, "transfer-timeout", 120*time.Second,
		"Bound on the byte transfer")
	rootCmd.PersistentFlags().DurationVar(&cfg.FinalizeTimeout, "finalize-timeout", 30*time.Second,
		"Bound on the finalize call")
	rootCmd.PersistentFlags().BoolVar(&cfg.Legacy, "legacy", false,
		"Use the single-phase /upload endpoint")
	rootCmd.PersistentFlags().Uint64Var(&cfg.FinalizeRetries, "finalize-retries", 0,
		"Retries for a failed finalize after a successful transfer")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newBatchCmd())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *coordinator.Client {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return coordinator.New(cfg, logging.New("development", level))
}
