package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const invalidHostChars = " \t\n\r\"'`;"

// ValidateBrokerAddress validates a host:port broker address such as a Kafka
// bootstrap server.
func ValidateBrokerAddress(address string) error {
	if address == "" {
		return fmt.Errorf("broker address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("broker address must include port: %w", err)
	}
	if host == "" {
		return fmt.Errorf("broker host cannot be empty")
	}
	if err := validateHost(host); err != nil {
		return err
	}
	return validatePort(portStr)
}

// ValidateMQTTBroker validates the MQTT broker host and port.
func ValidateMQTTBroker(host string, port int) error {
	if host == "" {
		return fmt.Errorf("MQTT broker host cannot be empty")
	}
	if err := validateHost(host); err != nil {
		return fmt.Errorf("invalid MQTT broker: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("MQTT broker port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateListenAddress validates a server bind address. The host may be
// empty to listen on every interface.
func ValidateListenAddress(address string) error {
	if address == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("listen address must be host:port: %w", err)
	}
	if host != "" {
		if err := validateHost(host); err != nil {
			return err
		}
	}
	// Port 0 asks the kernel for a free port.
	if portStr == "0" {
		return nil
	}
	return validatePort(portStr)
}

func validateHost(host string) error {
	if strings.ContainsAny(host, invalidHostChars) {
		return fmt.Errorf("host contains invalid characters")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if err := validateHostname(host); err != nil {
		return fmt.Errorf("invalid hostname: %w", err)
	}
	return nil
}

// validateHostname applies RFC 1123 label rules.
func validateHostname(hostname string) error {
	if len(hostname) > 253 {
		return fmt.Errorf("hostname too long (max 253 characters)")
	}

	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 {
			return fmt.Errorf("empty label in hostname")
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname label too long (max 63 characters)")
		}
		for i, ch := range label {
			if i == 0 && !isAlphaNumeric(ch) {
				return fmt.Errorf("hostname label must start with alphanumeric character")
			}
			if i == len(label)-1 && ch == '-' {
				return fmt.Errorf("hostname label cannot end with hyphen")
			}
			if !isAlphaNumeric(ch) && ch != '-' {
				return fmt.Errorf("invalid character '%c' in hostname", ch)
			}
		}
	}
	return nil
}

func validatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func isAlphaNumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
