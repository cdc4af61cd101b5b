package commands

import (
	"os"

	"bidwatch-backend/lib/serviceutil"
	"bidwatch-backend/services/bid/store"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Prints the contracts still waiting to be posted, per platform.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := readConfig()

		storage := store.Open(ctx, config.Store)
		if storage.Disabled() {
			serviceutil.Fatal("failed to open store", nil)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Platform", "Key", "Athlete", "Contract"})

		for _, platform := range []string{"twitter", "threads", "email"} {
			pending, err := storage.FindPending(ctx, platform, 50)
			if err != nil {
				serviceutil.Fatal("failed to query pending posts", err)
			}
			for _, p := range pending {
				t.AppendRow(table.Row{
					platform,
					p.Key,
					p.Contract.DisplayName(),
					p.Contract.ContractType,
				})
			}
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
