package core

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Input validators shared by built-in actions and the EDR dispatcher. They
// run before anything leaves the process.

// validateIPAddress rejects unparseable addresses and ones that must never
// be blocked (unspecified, multicast, loopback, broadcast).
func validateIPAddress(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %q", ip)
	}
	switch {
	case parsed.IsUnspecified():
		return fmt.Errorf("cannot target unspecified address: %q", ip)
	case parsed.IsMulticast():
		return fmt.Errorf("cannot target multicast address: %q", ip)
	case parsed.IsLoopback():
		return fmt.Errorf("cannot target loopback address: %q", ip)
	case parsed.Equal(net.IPv4bcast):
		return fmt.Errorf("cannot target broadcast address: %q", ip)
	}
	return nil
}

var safeProcessName = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

func validateProcessName(name string) error {
	if !safeProcessName.MatchString(name) {
		return fmt.Errorf("invalid process name (must be alphanumeric/dots/dashes/underscores): %q", name)
	}
	return nil
}

func validatePID(pid string) error {
	n, err := strconv.Atoi(pid)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid process ID (must be a positive integer): %q", pid)
	}
	return nil
}

var hexDigest = regexp.MustCompile(`^[a-fA-F0-9]+$`)

// validateHash accepts MD5, SHA-1 and SHA-256 hex digests.
func validateHash(h string) error {
	switch len(h) {
	case 32, 40, 64:
	default:
		return fmt.Errorf("hash must be an MD5, SHA-1 or SHA-256 hex digest: %q", h)
	}
	if !hexDigest.MatchString(h) {
		return fmt.Errorf("hash must be hex encoded: %q", h)
	}
	return nil
}

var safeIdentifier = regexp.MustCompile(`^[a-zA-Z0-9._:@\-]{1,256}$`)

// validateIdentifier checks host, agent, session and user identifiers.
func validateIdentifier(kind, v string) error {
	if !safeIdentifier.MatchString(v) {
		return fmt.Errorf("invalid %s: %q", kind, v)
	}
	return nil
}

// validateWebhookURL requires http(s) and refuses private or loopback
// hosts unless allowPrivate is set.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("webhook URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL has no host: %q", rawURL)
	}
	if !allowPrivate && isPrivateHost(u.Hostname()) {
		return fmt.Errorf("webhook URL must not point to private or loopback addresses: %q", u.Hostname())
	}
	return nil
}

func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
