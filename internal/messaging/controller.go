package messaging

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wamux/wamux/internal/account"
	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/internal/outbound"
	"github.com/wamux/wamux/internal/transport"
	"github.com/wamux/wamux/internal/webhook"
	"github.com/wamux/wamux/pkg/log"
	"github.com/wamux/wamux/pkg/router"
	"github.com/wamux/wamux/pkg/validation"
)

type sendMessageRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Caption  string `json:"caption"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	// Media is base64-encoded attachment content.
	Media string `json:"media"`
}

func (req *sendMessageRequest) payload() (transport.Payload, error) {
	kind := transport.PayloadKind(strings.ToLower(strings.TrimSpace(req.Type)))
	if kind == "" {
		kind = transport.PayloadText
	}

	payload := transport.Payload{
		Kind:     kind,
		Text:     req.Message,
		Caption:  req.Caption,
		FileName: req.FileName,
		MimeType: req.MimeType,
	}
	if req.Media != "" {
		media, err := base64.StdEncoding.DecodeString(req.Media)
		if err != nil {
			return payload, errors.New("media must be base64 encoded")
		}
		payload.Media = media
	}
	return payload, nil
}

// Send performs one outbound send through the account's queue, mapping each
// rejection onto its HTTP status.
func Send(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	if err := validation.ValidateDestination(req.To); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	payload, err := req.payload()
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	result, err := app.Outbound.Send(c.Context(), accountID, req.To, payload)
	if err != nil {
		return sendError(c, accountID, err)
	}

	return router.ResponseSuccessWithData(c, "message sent", fiber.Map{
		"message_id": result.MessageID,
		"timestamp":  result.Timestamp.Unix(),
	})
}

type replyRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Reply is the webhook callback path: the caller authenticates with the
// webhook secret instead of an account token, validated through the secret
// cache.
func Reply(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	secret := c.Get(webhook.HeaderSecret)
	if secret == "" {
		return router.ResponseUnauthorized(c, "missing webhook secret")
	}

	valid, err := app.Secrets.Validate(c.Context(), accountID, secret)
	if err != nil {
		log.Account(accountID).WithError(err).Error("webhook secret validation failed")
		return router.ResponseInternalError(c, "failed to validate webhook secret")
	}
	if !valid {
		return router.ResponseUnauthorized(c, "invalid webhook secret")
	}

	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	if err := validation.ValidateDestination(req.To); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if req.Message == "" {
		return router.ResponseBadRequest(c, "message is required")
	}

	result, err := app.Outbound.Send(c.Context(), accountID, req.To, transport.Payload{
		Kind: transport.PayloadText,
		Text: req.Message,
	})
	if err != nil {
		return sendError(c, accountID, err)
	}

	return router.ResponseSuccessWithData(c, "reply sent", fiber.Map{
		"message_id": result.MessageID,
		"timestamp":  result.Timestamp.Unix(),
	})
}

func sendError(c *fiber.Ctx, accountID string, err error) error {
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		return router.ResponseNotFound(c, "account not found")
	case errors.Is(err, outbound.ErrNotReady):
		return router.ResponseConflict(c, "account is not ready")
	case errors.Is(err, outbound.ErrSessionUnavailable):
		return router.ResponseServiceUnavailable(c, "session is unavailable")
	case errors.Is(err, outbound.ErrQueueFull):
		return router.ResponseTooManyRequests(c, "too many sends in flight for this account")
	case errors.Is(err, outbound.ErrInvalidMedia):
		return router.ResponseBadRequest(c, err.Error())
	default:
		log.Account(accountID).WithError(err).Error("outbound send failed")
		return router.ResponseBadGateway(c, "message delivery failed")
	}
}
