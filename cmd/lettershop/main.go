package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lettershop/internal/config"
	"lettershop/internal/logging"
)

var (
	cfg    *config.AppConfig
	logger *zap.Logger
)

func init() {
	rootCmd.AddCommand(sellerCmd, buyerCmd, demoCmd, statusCmd)
}

var rootCmd = &cobra.Command{
	Use:           "lettershop",
	Short:         "Sell letters of the alphabet for hash-locked ledger payments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("logger error: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "lettershop:", err)
		stop()
		os.Exit(1)
	}
}
