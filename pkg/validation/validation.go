package validation

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var destinationPattern = regexp.MustCompile(`^[0-9]{6,16}$`)

// ValidateDestination ensures a destination resolves to a plausible phone
// number before normalization: formatting characters are tolerated, but what
// remains must be 6-16 digits.
func ValidateDestination(destination string) error {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return errors.New("destination cannot be empty")
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, trimmed)
	if !destinationPattern.MatchString(digits) {
		return errors.New("destination must contain 6 to 16 digits")
	}
	return nil
}

// ValidateTargetURL ensures a webhook target is an absolute http(s) URL.
func ValidateTargetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return errors.New("url must be valid")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("url must carry a host")
	}
	return nil
}
