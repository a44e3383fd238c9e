// File: cmd/discover.go
package cmd

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/internal/engine"
	"github.com/arkadily/chatgate/internal/observability"
)

// discoverCmd runs a one-shot selector discovery for a configured
// provider and prints the resulting selector set.
var discoverCmd = &cobra.Command{
	Use:   "discover <provider-id>",
	Short: "Discover and cache the chat UI selectors for a provider.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		eng, err := engine.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close(context.Background())

		providerID := args[0]
		entry, err := eng.Discover(ctx, providerID)
		if err != nil {
			return fmt.Errorf("discovery for %s failed: %w", providerID, err)
		}

		logger.Info("Discovery complete.",
			zap.String("provider_id", providerID),
			zap.String("domain", entry.Domain),
			zap.Float64("stability", entry.StabilityScore))

		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
