// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Environment controls how strictly outbound URLs are validated.
// Production blocks private address space and fails closed when a
// hostname cannot be resolved; development permits local endpoints
// so that self-hosted and mock providers keep working.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
)

// metadataHosts are cloud instance metadata endpoints. Requests to
// these are rejected in every environment.
var metadataHosts = []string{
	"169.254.169.254",
	"metadata.google.internal",
	"metadata.goog",
	"100.100.100.200",
}

// URLValidationOptions configures outbound URL validation behavior
type URLValidationOptions struct {
	// Environment selects the validation posture (see Environment)
	Environment Environment
	// AllowedSchemes specifies permitted URL schemes (default: ["https", "http"])
	AllowedSchemes []string
	// AllowedHostSuffixes restricts URLs to specific domain suffixes,
	// e.g. [".openai.com", ".anthropic.com"]
	AllowedHostSuffixes []string
	// BlockedHosts explicitly blocks certain hostnames beyond the
	// built-in metadata endpoints
	BlockedHosts []string
}

// DefaultURLValidationOptions returns secure defaults for the given environment
func DefaultURLValidationOptions(env Environment) URLValidationOptions {
	schemes := []string{"https", "http"}
	if env == EnvProduction {
		schemes = []string{"https"}
	}
	return URLValidationOptions{
		Environment:    env,
		AllowedSchemes: schemes,
	}
}

// ValidateOutboundURL performs SSRF protection on a provider endpoint
// before any adapter is allowed to call it. It checks:
//   - URL format and scheme
//   - cloud metadata endpoints (always rejected)
//   - allowlist/blocklist enforcement
//   - resolved IPs against private/internal ranges (production only)
//
// In production a hostname that cannot be resolved fails validation;
// an endpoint we cannot classify is treated as hostile.
func ValidateOutboundURL(rawURL string, opts URLValidationOptions) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if err := validateScheme(parsedURL.Scheme, opts.AllowedSchemes); err != nil {
		return err
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must contain a hostname")
	}

	if isHostBlocked(hostname, metadataHosts) {
		return fmt.Errorf("hostname %q resolves to a cloud metadata endpoint", hostname)
	}
	if isHostBlocked(hostname, opts.BlockedHosts) {
		return fmt.Errorf("hostname %q is blocked", hostname)
	}

	if len(opts.AllowedHostSuffixes) > 0 && !hasAllowedSuffix(hostname, opts.AllowedHostSuffixes) {
		return fmt.Errorf("hostname %q is not in the allowed list", hostname)
	}

	if opts.Environment == EnvProduction {
		if err := validateHostNotPrivate(hostname); err != nil {
			return err
		}
	} else if ip := net.ParseIP(hostname); ip != nil && isMetadataIP(ip) {
		// Literal metadata IPs are rejected even in development.
		return fmt.Errorf("connection to metadata IP %s is not allowed", ip)
	}

	return nil
}

// validateScheme checks if the URL scheme is allowed
func validateScheme(scheme string, allowedSchemes []string) error {
	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{"https", "http"}
	}

	scheme = strings.ToLower(scheme)
	for _, allowed := range allowedSchemes {
		if scheme == strings.ToLower(allowed) {
			return nil
		}
	}

	return fmt.Errorf("URL scheme %q is not allowed; permitted schemes: %v", scheme, allowedSchemes)
}

// validateHostNotPrivate resolves the hostname and checks for private IPs.
// Resolution failure is a validation failure.
func validateHostNotPrivate(hostname string) error {
	// Literal IPs skip DNS entirely.
	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("connection to private/internal IP %s is not allowed", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname %q: %w", hostname, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("connection to private/internal IP %s is not allowed (hostname: %s)", ip, hostname)
		}
	}

	return nil
}

// isMetadataIP checks for the link-local metadata service range
func isMetadataIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 169 && ip4[1] == 254
	}
	return false
}

// isPrivateIP checks if an IP address is private, loopback, or otherwise internal
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 169.254.0.0/16 (link-local / metadata)
		if ip4[0] == 169 && ip4[1] == 254 {
			return true
		}
		// 127.0.0.0/8 (loopback range)
		if ip4[0] == 127 {
			return true
		}
		// 0.0.0.0/8 (current network)
		if ip4[0] == 0 {
			return true
		}
		// 100.64.0.0/10 (carrier-grade NAT)
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		// 192.0.0.0/24 (IETF protocol assignments)
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0 {
			return true
		}
		// 192.0.2.0/24, 198.51.100.0/24, 203.0.113.0/24 (TEST-NET)
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 2 {
			return true
		}
		if ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100 {
			return true
		}
		if ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113 {
			return true
		}
		// 224.0.0.0/4 (multicast) and 240.0.0.0/4 (reserved)
		if ip4[0] >= 224 {
			return true
		}
	}

	return false
}

// isHostBlocked checks if a hostname is in the blocked list
func isHostBlocked(hostname string, blockedHosts []string) bool {
	hostname = strings.ToLower(hostname)
	for _, blocked := range blockedHosts {
		blocked = strings.ToLower(blocked)
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

// hasAllowedSuffix checks if a hostname matches one of the allowed suffixes
func hasAllowedSuffix(hostname string, allowedSuffixes []string) bool {
	hostname = strings.ToLower(hostname)
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(hostname, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeLogString removes characters that could be used for log injection
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiRegex.ReplaceAllString(s, "")
	const maxLogLength = 500
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
