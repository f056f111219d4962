package router

import (
	"github.com/gofiber/fiber/v2"
)

// HttpErrorHandler renders errors that escape the handlers through the same
// JSON envelope as explicit responses.
func HttpErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()
	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}
	return failure(c, code, message)
}
