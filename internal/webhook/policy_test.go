package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	pc := policyConfig{fastTimeout: 5 * time.Second, fullTimeout: 10 * time.Second}

	tests := []struct {
		url     string
		compact bool
	}{
		{"https://hooks.zapier.com/hooks/catch/123/abc", true},
		{"https://hook.eu1.make.com/xyz", true},
		{"https://hook.integromat.com/xyz", true},
		{"https://n8n.example.org/webhook/1", true},
		{"https://eny123.m.pipedream.net", true},
		{"https://maker.ifttt.com/trigger/x", true},
		{"https://api.example.com/webhooks/wa", false},
		{"https://zapier.com.evil.example.com/x", false},
		{"not a url at all ://", false},
	}

	for _, tt := range tests {
		pol := pc.classify(tt.url)
		assert.Equal(t, tt.compact, pol.compact, "url=%q", tt.url)
		if tt.compact {
			assert.Equal(t, pc.fastTimeout, pol.timeout, "url=%q", tt.url)
		} else {
			assert.Equal(t, pc.fullTimeout, pol.timeout, "url=%q", tt.url)
		}
	}
}
