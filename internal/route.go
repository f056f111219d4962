package internal

import (
	"github.com/gofiber/fiber/v2"

	"github.com/wamux/wamux/pkg/auth"
	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/router"

	ctlAccounts "github.com/wamux/wamux/internal/accounts"
	ctlIndex "github.com/wamux/wamux/internal/index"
	ctlMessaging "github.com/wamux/wamux/internal/messaging"
	ctlWebhooks "github.com/wamux/wamux/internal/webhooks"
)

func Routes(app *fiber.App) {
	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := auth.AdminAuth()

	app.Post(router.BaseURL+"/accounts", adminMiddleware, ctlAccounts.Create)
	app.Get(router.BaseURL+"/accounts", adminMiddleware, ctlAccounts.List)

	// ============================================================
	// ACCOUNT ROUTES (Bearer token or admin secret)
	// ============================================================
	accountMiddleware := auth.AccountAuth()

	app.Get(router.BaseURL+"/accounts/:account_id", accountMiddleware, ctlAccounts.Get)
	app.Get(router.BaseURL+"/accounts/:account_id/qr", accountMiddleware, ctlAccounts.QR)
	app.Delete(router.BaseURL+"/accounts/:account_id", accountMiddleware, ctlAccounts.Delete)
	app.Get(router.BaseURL+"/accounts/:account_id/logs", accountMiddleware, ctlAccounts.Logs)

	app.Post(router.BaseURL+"/accounts/:account_id/messages", accountMiddleware, ctlMessaging.Send)

	app.Post(router.BaseURL+"/accounts/:account_id/webhooks", accountMiddleware, ctlWebhooks.Create)
	app.Get(router.BaseURL+"/accounts/:account_id/webhooks", accountMiddleware, ctlWebhooks.List)
	app.Get(router.BaseURL+"/accounts/:account_id/webhooks/:webhook_id", accountMiddleware, ctlWebhooks.Get)
	app.Patch(router.BaseURL+"/accounts/:account_id/webhooks/:webhook_id", accountMiddleware, ctlWebhooks.Update)
	app.Delete(router.BaseURL+"/accounts/:account_id/webhooks/:webhook_id", accountMiddleware, ctlWebhooks.Delete)

	// ============================================================
	// PUBLIC ROUTES (rate limited; secret validated per request)
	// ============================================================
	publicRateLimit := router.HttpRateLimit(
		float64(env.GetEnvIntOrDefault("HTTP_PUBLIC_RATE_LIMIT", 10)),
		env.GetEnvIntOrDefault("HTTP_PUBLIC_RATE_BURST", 20),
	)

	app.Post(router.BaseURL+"/inbound/:account_id", publicRateLimit, ctlWebhooks.Inbound)
	app.Post(router.BaseURL+"/accounts/:account_id/reply", publicRateLimit, ctlMessaging.Reply)
}
