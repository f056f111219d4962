package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	return logger.WithFields(logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	})
}

// Account returns an entry scoped to a single account session.
func Account(accountID string) *logrus.Entry {
	return logger.WithField("account_id", accountID)
}

// Delivery returns an entry scoped to a webhook delivery attempt.
func Delivery(accountID string, url string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"account_id":  accountID,
		"webhook_url": url,
	})
}
