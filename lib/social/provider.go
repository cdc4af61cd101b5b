// Package social holds the publishing side: one adapter per
// platform behind a shared Provider interface, so the sync loop is
// written once. An adapter constructed without credentials runs in
// dry-run mode, logging the post and handing back a synthetic id, so
// the rest of the pipeline behaves exactly as in production.
package social

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mazen160/go-random"
)

type Provider interface {
	Name() string
	// Publish posts the text and returns the platform's id for the
	// new post. An error means nothing usable was created.
	Publish(ctx context.Context, text string) (string, error)
}

func dryRunPublish(platform string, text string) (string, error) {
	suffix, err := random.String(8)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("dry_run_%s_%s", platform, suffix)
	slog.Info("dry-run publish", "platform", platform, "id", id, "text", text)
	return id, nil
}
