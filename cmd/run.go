// File: cmd/run.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/internal/engine"
	"github.com/arkadily/chatgate/internal/observability"
)

// runCmd starts the engine and keeps it alive until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the selector resolution and session engine.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close(context.Background())

		eng.Start()
		logger.Info("Engine running.", zap.Int("providers", len(eng.Providers())))

		<-ctx.Done()
		logger.Info("Shutdown signal received.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
