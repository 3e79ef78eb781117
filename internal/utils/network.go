package utils

import (
	"net"
	"strings"
)

// GetClientIP extracts the real client IP from request headers
func GetClientIP(remoteAddr string, xForwardedFor string, xRealIP string) string {
	// Check X-Forwarded-For first (for proxies)
	if xForwardedFor != "" {
		// Take the first IP if there are multiple
		if idx := strings.Index(xForwardedFor, ","); idx != -1 {
			return strings.TrimSpace(xForwardedFor[:idx])
		}
		return strings.TrimSpace(xForwardedFor)
	}

	if xRealIP != "" {
		return strings.TrimSpace(xRealIP)
	}

	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
