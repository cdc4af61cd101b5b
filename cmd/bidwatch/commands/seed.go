package commands

import (
	"log/slog"
	"time"

	"bidwatch-backend/lib/serviceutil"
	"bidwatch-backend/lib/timezone"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed <from DD/MM/YYYY> <to DD/MM/YYYY>",
	Short: "Backfills the store by searching a past date range, without publishing anything.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := readConfig()

		from, err := time.ParseInLocation("02/01/2006", args[0], timezone.Location)
		if err != nil {
			serviceutil.Fatal("invalid from date", err)
		}
		to, err := time.ParseInLocation("02/01/2006", args[1], timezone.Location)
		if err != nil {
			serviceutil.Fatal("invalid to date", err)
		}
		if to.Before(from) {
			from, to = to, from
		}

		svc, storage := buildService(ctx, config)
		if storage.Disabled() {
			serviceutil.Fatal("seeding needs a working store", nil)
		}

		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			if ctx.Err() != nil {
				return
			}
			date := timezone.SearchDate(day)

			err := svc.Seed(ctx, date)
			if err != nil {
				slog.Error("failed to seed date", "date", date, "err", err)
			}
		}
	},
}
