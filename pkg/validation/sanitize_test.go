package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeClientID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "wiogate-gw-1", expected: "wiogate-gw-1"},
		{name: "control characters", input: "wiogate\x00gw\n\r", expected: "wiogategw"},
		{name: "too long", input: "verylongclientidthatexceedsthemaximumlength", expected: "verylongclientidthatexc"},
		{name: "empty after sanitization", input: "\x00\x01\x02", expected: DefaultClientID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeClientID(tt.input))
		})
	}
}

func TestSanitizeUsername(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "gateway", expected: "gateway"},
		{name: "quotes and backslash", input: `ga'te"way\`, expected: "gateway"},
		{name: "surrounding space", input: "  gateway \t", expected: "gateway"},
		{name: "control characters", input: "gate\x00way\x07", expected: "gateway"},
		{name: "capped", input: strings.Repeat("u", 200), expected: strings.Repeat("u", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeUsername(tt.input))
		})
	}
}

func TestSanitizePassword(t *testing.T) {
	assert.Equal(t, "p@ss w0rd!'\"", SanitizePassword("p@ss w0rd!'\""))
	assert.Equal(t, "pass\tword\n", SanitizePassword("pa\x00ss\tword\n\x1b"))
}

func TestSanitizeTopicPrefix(t *testing.T) {
	assert.Equal(t, "site-a.gateway_1", SanitizeTopicPrefix("site-a.gateway_1"))
	assert.Equal(t, "sitea", SanitizeTopicPrefix(".site a/"))
	assert.Equal(t, "", SanitizeTopicPrefix("***"))
}
