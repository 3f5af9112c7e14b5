package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// firstHeaderValue returns the first non-empty header among the given keys.
func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}

// GetClientIP determines the actual client IP address considering proxies and dual stack
// Returns both IPv4 and IPv6 addresses if available
func GetClientIP(c *fiber.Ctx) (string, string) {
	ipv4 := ""
	ipv6 := ""

	// Cloudflare puts the original client IP in its own header; the other
	// address family may still show up in X-Forwarded-For.
	candidates := []string{c.Get("CF-Connecting-IP")}
	candidates = append(candidates, strings.Split(c.Get("X-Forwarded-For"), ",")...)
	candidates = append(candidates, c.Get("X-Real-IP"))

	for _, raw := range candidates {
		ip := strings.TrimSpace(raw)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, ":") {
			if ipv6 == "" {
				ipv6 = ip
			}
		} else if ipv4 == "" {
			ipv4 = ip
		}
	}
	if ipv4 != "" || ipv6 != "" {
		return ipv4, ipv6
	}

	// No proxy headers, fall back to the connection address. IPv4 mapped into
	// IPv6 (::ffff:192.168.1.1) counts as IPv4.
	ipAddr := c.IP()
	if strings.Contains(ipAddr, ":") {
		if strings.Contains(ipAddr, ".") && strings.HasPrefix(ipAddr, "::ffff:") {
			ipv4 = strings.TrimPrefix(ipAddr, "::ffff:")
		} else {
			ipv6 = ipAddr
		}
	} else {
		ipv4 = ipAddr
	}

	return ipv4, ipv6
}
