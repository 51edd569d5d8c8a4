package util

import (
	"fmt"
	"net"
	"strings"
)

// ValidatePort validates a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateWeight validates a routing weight.
func ValidateWeight(weight int) error {
	if weight < 0 {
		return fmt.Errorf("weight must be non-negative, got %d", weight)
	}
	return nil
}

// ValidateNonEmpty validates that a string is not empty.
func ValidateNonEmpty(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	return nil
}

// ValidateHost validates a backend host. IP literals are accepted as is;
// anything else must be a plausible DNS hostname.
func ValidateHost(host string) error {
	if err := ValidateNonEmpty(host, "host"); err != nil {
		return err
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("host %q is too long", host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("host %q has an invalid label", host)
		}
		for i, c := range label {
			if !isHostnameChar(c, i == 0, i == len(label)-1) {
				return fmt.Errorf("host %q contains invalid character %q", host, c)
			}
		}
	}
	return nil
}

func isHostnameChar(c rune, first, last bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return !first && !last
	default:
		return false
	}
}

// ValidateFraction validates that v lies within (0, 1].
func ValidateFraction(v float64, name string) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
	}
	return nil
}
