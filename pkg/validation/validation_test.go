package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDestination(t *testing.T) {
	tests := []struct {
		destination string
		wantErr     bool
	}{
		{"5551234", false},
		{"+919876543210", false},
		{"(555) 123-4567", false},
		{"09876543210", false},
		{"", true},
		{"   ", true},
		{"12345", true},                // too short
		{"12345678901234567", true},    // too long
		{"not-a-number", true},         // no digits
		{"call me at five five", true}, // words only
	}
	for _, tt := range tests {
		err := ValidateDestination(tt.destination)
		if tt.wantErr {
			assert.Error(t, err, "destination %q", tt.destination)
		} else {
			assert.NoError(t, err, "destination %q", tt.destination)
		}
	}
}

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/hook", false},
		{"http://n8n.internal:5678/webhook/abc", false},
		{"", true},
		{"example.com/hook", true},  // no scheme
		{"ftp://example.com", true}, // wrong scheme
		{"https://", true},          // no host
		{"://bad", true},
	}
	for _, tt := range tests {
		err := ValidateTargetURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, "url %q", tt.url)
		} else {
			assert.NoError(t, err, "url %q", tt.url)
		}
	}
}
