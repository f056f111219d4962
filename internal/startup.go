package internal

import (
	"context"
	"time"

	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/log"
)

// Startup restores a session for every stored account. Reconnect failures are
// isolated per account; the server always comes up.
func Startup() {
	log.Print(nil).Info("Running Startup Tasks")

	timeout := env.GetEnvDurationOrDefault("STARTUP_RECONNECT_TIMEOUT", 2*time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Registry.ReconnectAll(ctx); err != nil {
		log.Print(nil).WithError(err).Error("Startup reconnect pass failed")
		return
	}
	log.Print(nil).Info("Startup reconnect pass complete")
}
