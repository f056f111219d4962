package internal

import (
	"github.com/robfig/cron/v3"

	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/log"
)

// Routines registers the periodic maintenance jobs. Specs use the
// seconds-field cron format.
func Routines(c *cron.Cron) {
	log.Print(nil).Info("Running Routine Tasks")

	// Hourly full clear of the webhook secret cache bounds staleness even if
	// an eager invalidation was ever missed.
	secretSpec := env.GetEnvStringOrDefault("WEBHOOK_SECRET_CLEAR_CRON_SPEC", "0 0 * * * *")
	if _, err := c.AddFunc(secretSpec, func() {
		dropped := app.Secrets.Len()
		app.Secrets.Clear()
		log.Print(nil).WithField("entries", dropped).Info("Webhook secret cache cleared")
	}); err != nil {
		log.Print(nil).WithError(err).Error("Failed to add secret cache clear cron job")
	}

	if env.GetEnvBoolOrDefault("ENABLE_HEALTH_CHECK_CRON", true) {
		healthSpec := env.GetEnvStringOrDefault("HEALTH_CHECK_CRON_SPEC", "0 */5 * * * *")
		if _, err := c.AddFunc(healthSpec, app.Registry.HealthSweep); err != nil {
			log.Print(nil).WithError(err).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; relying on transport events")
	}

	c.Start()
}
