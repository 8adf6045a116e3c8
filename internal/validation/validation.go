// Package validation provides centralized input validation for argus.
package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for entity names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// DefaultNameRules returns the default rules for entity names.
func DefaultNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// TargetNameRules returns rules for target names. Dots are allowed so
// operators can name targets after their FQDNs.
func TargetNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateTargetName validates a target name.
func ValidateTargetName(name string) error {
	return ValidateName(name, TargetNameRules())
}

// =============================================================================
// Address Validation
// =============================================================================

// ValidateAddress validates a target address: a hostname or IP, with an
// optional :port suffix. IPv6 literals with a port must be bracketed.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return fmt.Errorf("address cannot contain whitespace")
	}
	for i, r := range addr {
		if r < 32 || r == 127 {
			return fmt.Errorf("address cannot contain control characters at position %d", i)
		}
	}

	host := addr
	if h, port, err := net.SplitHostPort(addr); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid port %q: must be 1-65535", port)
		}
		host = h
	}
	if host == "" {
		return fmt.Errorf("address has no host part")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	// Plain IPv6 without a port parses above; anything else with colons
	// is neither a valid literal nor a hostname.
	if strings.Contains(host, ":") {
		return fmt.Errorf("invalid address %q", addr)
	}
	return validateHostname(host)
}

func validateHostname(host string) error {
	if len(host) > 253 {
		return fmt.Errorf("hostname too long: maximum 253 characters")
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return fmt.Errorf("hostname %q has an empty label", host)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("hostname label %q cannot start or end with '-'", label)
		}
		for _, r := range label {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' {
				return fmt.Errorf("invalid character '%c' in hostname %q", r, host)
			}
		}
	}
	return nil
}

// =============================================================================
// Range Validation
// =============================================================================

// ValidateInterval checks that a duration lies within [min, max].
func ValidateInterval(d, min, max time.Duration) error {
	if d < min {
		return fmt.Errorf("interval %s below minimum %s", d, min)
	}
	if d > max {
		return fmt.Errorf("interval %s above maximum %s", d, max)
	}
	return nil
}

// ValidateRange checks that an integer lies within [min, max].
func ValidateRange(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return nil
}
