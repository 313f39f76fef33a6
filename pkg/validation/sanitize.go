package validation

import (
	"strings"
	"unicode"
)

// DefaultClientID replaces a client ID that sanitizes to nothing.
const DefaultClientID = "wiogate"

// maxClientIDLength is the limit MQTT 3.1.1 brokers must accept.
const maxClientIDLength = 23

// SanitizeClientID drops non-printable characters and truncates to the MQTT
// 3.1.1 limit.
func SanitizeClientID(clientID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, clientID)

	if len(sanitized) > maxClientIDLength {
		sanitized = sanitized[:maxClientIDLength]
	}
	if sanitized == "" {
		sanitized = DefaultClientID
	}
	return sanitized
}

// SanitizeUsername drops control characters and quotes, trims and caps the
// length at 128.
func SanitizeUsername(username string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' || r == '\'' || r == '\\' {
			return -1
		}
		return r
	}, username)

	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > 128 {
		sanitized = sanitized[:128]
	}
	return sanitized
}

// SanitizePassword only drops null bytes and control characters other than
// tab, newline and carriage return.
func SanitizePassword(password string) string {
	return strings.Map(func(r rune) rune {
		if r == '\x00' || (unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, password)
}

// SanitizeTopicPrefix keeps the characters Kafka accepts in topic names
// (letters, digits, '.', '_' and '-') and trims leading and trailing dots.
func SanitizeTopicPrefix(prefix string) string {
	sanitized := strings.Map(func(r rune) rune {
		if isAlphaNumeric(r) || r == '.' || r == '_' || r == '-' {
			return r
		}
		return -1
	}, prefix)
	return strings.Trim(sanitized, ".")
}
