package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedAddress is returned for URLs that point at internal networks.
var ErrBlockedAddress = errors.New("address is not allowed")

// blockedHosts are hostnames that always resolve to internal services.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateOutboundURL checks that an operator-supplied URL is safe for
// server-side requests, blocking private, loopback, link-local, and
// unspecified addresses to prevent SSRF. Both the literal host and its
// DNS-resolved addresses are checked. allowLoopback permits localhost
// targets, which development setups legitimately use.
func ValidateOutboundURL(rawURL string, allowLoopback bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			if allowLoopback && strings.EqualFold(host, "localhost") {
				return nil
			}
			return fmt.Errorf("URL host %q: %w", host, ErrBlockedAddress)
		}
	}

	// An IP literal is checked directly, no DNS resolution needed.
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, allowLoopback)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved, allowLoopback); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP, allowLoopback bool) error {
	switch {
	case ip.IsLoopback():
		if allowLoopback {
			return nil
		}
		return fmt.Errorf("loopback %w", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("private %w", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local %w", ErrBlockedAddress)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified %w", ErrBlockedAddress)
	}
	return nil
}
