package webhook

import (
	"net/url"
	"strings"
	"time"
)

// automationDomains identify low-latency automation platforms. Recognized
// targets get a shortened timeout and the compact payload; their runtimes
// bill per execution second and reject oversized bodies.
var automationDomains = []string{
	"zapier.com",
	"make.com",
	"integromat.com",
	"pipedream.net",
	"ifttt.com",
	"activepieces.com",
}

type policy struct {
	compact bool
	timeout time.Duration
}

type policyConfig struct {
	fastTimeout time.Duration
	fullTimeout time.Duration
}

func (pc policyConfig) classify(rawURL string) policy {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return policy{compact: false, timeout: pc.fullTimeout}
	}
	if isAutomationHost(strings.ToLower(parsed.Hostname())) {
		return policy{compact: true, timeout: pc.fastTimeout}
	}
	return policy{compact: false, timeout: pc.fullTimeout}
}

func isAutomationHost(host string) bool {
	for _, domain := range automationDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	// Self-hosted n8n instances conventionally live on an "n8n" subdomain.
	for _, label := range strings.Split(host, ".") {
		if label == "n8n" {
			return true
		}
	}
	return false
}
