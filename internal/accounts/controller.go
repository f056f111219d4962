package accounts

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wamux/wamux/internal/account"
	"github.com/wamux/wamux/internal/app"
	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/pkg/auth"
	"github.com/wamux/wamux/pkg/log"
	"github.com/wamux/wamux/pkg/router"
)

type createAccountRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create registers a new account and starts its session in the background.
// The response carries the account token used for all account-scoped calls.
func Create(c *fiber.Ctx) error {
	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return router.ResponseBadRequest(c, "name is required")
	}

	acc, err := app.Registry.Create(c.Context(), req.Name, req.Description)
	if err != nil {
		log.Print(c).WithError(err).Error("account creation failed")
		return router.ResponseInternalError(c, "failed to create account")
	}

	token, err := auth.GenerateAccountToken(acc.ID)
	if err != nil {
		log.Account(acc.ID).WithError(err).Error("token generation failed")
		return router.ResponseInternalError(c, "failed to issue account token")
	}

	return router.ResponseCreatedWithData(c, "account created", fiber.Map{
		"account": acc,
		"token":   token,
	})
}

func List(c *fiber.Ctx) error {
	accounts, err := app.Registry.List(c.Context())
	if err != nil {
		log.Print(c).WithError(err).Error("listing accounts failed")
		return router.ResponseInternalError(c, "failed to list accounts")
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"accounts": accounts})
}

func Get(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	acc, err := app.Registry.Get(c.Context(), accountID)
	if errors.Is(err, account.ErrAccountNotFound) {
		return router.ResponseNotFound(c, "account not found")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("fetching account failed")
		return router.ResponseInternalError(c, "failed to fetch account")
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"account": acc})
}

// QR returns the pairing code. It is only available in the qr_ready state;
// once the session pairs the code is gone for good.
func QR(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	qr, err := app.Registry.QR(accountID)
	if errors.Is(err, account.ErrAccountNotFound) {
		return router.ResponseNotFound(c, "account not found")
	}
	if errors.Is(err, account.ErrQRNotAvailable) {
		return router.ResponseNotFound(c, "qr code not available")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("fetching qr failed")
		return router.ResponseInternalError(c, "failed to fetch qr code")
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"qr_code": qr})
}

func Delete(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)

	err := app.Registry.Delete(c.Context(), accountID)
	if errors.Is(err, account.ErrAccountNotFound) {
		return router.ResponseNotFound(c, "account not found")
	}
	if err != nil {
		log.Account(accountID).WithError(err).Error("deleting account failed")
		return router.ResponseInternalError(c, "failed to delete account")
	}

	app.Outbound.Forget(accountID)
	return router.ResponseSuccess(c, "account deleted")
}

// Logs returns the most recent delivery records for an account.
func Logs(c *fiber.Ctx) error {
	accountID := c.Locals("account_id").(string)
	limit := c.QueryInt("limit", 100)

	recs, err := app.Store.RecentDeliveryRecords(c.Context(), accountID, limit)
	if err != nil {
		log.Account(accountID).WithError(err).Error("fetching delivery logs failed")
		return router.ResponseInternalError(c, "failed to fetch delivery logs")
	}
	if recs == nil {
		recs = []storage.DeliveryRecord{}
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"logs": recs})
}
