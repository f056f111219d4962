package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/wamux/wamux/pkg/router"
)

func Index(c *fiber.Ctx) error {
	return router.ResponseSuccess(c, "WAMux Session Relay is running")
}
