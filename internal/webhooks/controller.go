package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/pkg/log"
	"github.com/wamux/wamux/pkg/router"
	"github.com/wamux/wamux/pkg/validation"
)

type createWebhookRequest struct {
	URL string `json:"url"`
}

type updateWebhookRequest struct {
	URL      string `json:"url"`
	IsActive *bool  `json:"is_active"`
}

func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create registers a webhook target for the account. The generated secret is
// returned once here; later reads omit it.
func Create(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := validation.ValidateTargetURL(req.URL); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	secret, err := generateSecret()
	if err != nil {
		log.Account(accountID).WithError(err).Error("webhook secret generation failed")
		return router.ResponseInternalError(c, "failed to generate webhook secret")
	}

	now := time.Now().UTC()
	wh := &storage.Webhook{
		ID:        uuid.NewString(),
		AccountID: accountID,
		URL:       req.URL,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := app.Store.CreateWebhook(c.Context(), wh); err != nil {
		log.Account(accountID).WithError(err).Error("webhook creation failed")
		return router.ResponseInternalError(c, "failed to create webhook")
	}

	return router.ResponseCreatedWithData(c, "webhook created", fiber.Map{"webhook": wh})
}

func List(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	webhooks, err := app.Store.ListWebhooks(c.Context(), accountID)
	if err != nil {
		log.Account(accountID).WithError(err).Error("listing webhooks failed")
		return router.ResponseInternalError(c, "failed to list webhooks")
	}
	for i := range webhooks {
		webhooks[i].Secret = ""
	}
	if webhooks == nil {
		webhooks = []storage.Webhook{}
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"webhooks": webhooks})
}

func Get(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)
	webhookID := c.Params("webhook_id")

	wh, err := app.Store.GetWebhook(c.Context(), accountID, webhookID)
	if errors.Is(err, storage.ErrNotFound) {
		return router.ResponseNotFound(c, "webhook not found")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("fetching webhook failed")
		return router.ResponseInternalError(c, "failed to fetch webhook")
	}
	wh.Secret = ""
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"webhook": wh})
}

// Update rewrites the target URL or toggles activity. Either way the secret
// cache entries for the account become stale and are invalidated through the
// store's mutation hook.
func Update(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)
	webhookID := c.Params("webhook_id")

	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}

	wh, err := app.Store.GetWebhook(c.Context(), accountID, webhookID)
	if errors.Is(err, storage.ErrNotFound) {
		return router.ResponseNotFound(c, "webhook not found")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("fetching webhook failed")
		return router.ResponseInternalError(c, "failed to fetch webhook")
	}

	if req.URL != "" {
		req.URL = strings.TrimSpace(req.URL)
		if err := validation.ValidateTargetURL(req.URL); err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
		wh.URL = req.URL
	}
	if req.IsActive != nil {
		wh.IsActive = *req.IsActive
	}

	if err := app.Store.UpdateWebhook(c.Context(), wh); err != nil {
		log.Account(accountID).WithError(err).Error("webhook update failed")
		return router.ResponseInternalError(c, "failed to update webhook")
	}

	wh.Secret = ""
	return router.ResponseSuccessWithData(c, "webhook updated", fiber.Map{"webhook": wh})
}

func Delete(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)
	webhookID := c.Params("webhook_id")

	err := app.Store.DeleteWebhook(c.Context(), accountID, webhookID)
	if errors.Is(err, storage.ErrNotFound) {
		return router.ResponseNotFound(c, "webhook not found")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("webhook deletion failed")
		return router.ResponseInternalError(c, "failed to delete webhook")
	}
	return router.ResponseSuccess(c, "webhook deleted")
}

type inboundRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Inbound is the public receiver for external systems pushing events at the
// relay. The payload is recorded, not forwarded.
func Inbound(c *fiber.Ctx) error {
	accountID := c.Params("account_id")

	var req inboundRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}

	app.Batcher.Record(storage.DeliveryRecord{
		AccountID:   accountID,
		Direction:   storage.DirectionWebhookIncoming,
		Status:      storage.DeliverySuccess,
		Destination: req.Sender,
		Detail:      req.Type,
	})
	return router.ResponseSuccess(c, "received")
}
