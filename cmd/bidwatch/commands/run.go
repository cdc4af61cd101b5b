package commands

import (
	"log/slog"

	"bidwatch-backend/lib/telemetry"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watches the bulletin continuously until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := readConfig()

		telemetry.InstrumentPerfStats(ctx)

		svc, storage := buildService(ctx, config)
		if storage.Disabled() {
			slog.Warn("store is disabled, discoveries will not survive a restart")
		}

		svc.Run(ctx)
	},
}
