package main

import (
	"bidwatch-backend/cmd/bidwatch/commands"
	"bidwatch-backend/lib/serviceutil"
	"bidwatch-backend/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()
	telemetry.SetupFromEnv(ctx, "bidwatch")
	commands.ExecuteContext(ctx)
}
