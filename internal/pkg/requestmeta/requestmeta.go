package requestmeta

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Meta is the explicit per-request context handed through the pipeline:
// caller identity, forwarded client headers and a correlation id. It
// replaces any ambient request state.
type Meta struct {
	ClientIP      string
	UserAgent     string
	Referer       string
	AccessToken   string
	UserID        string
	CorrelationID string
}

// FromCtx extracts request metadata from an inbound Fiber request.
// The client IP is the first well-formed IPv4/IPv6 address found in
// cf-connecting-ip, then x-forwarded-for.
func FromCtx(c *fiber.Ctx) Meta {
	return Meta{
		ClientIP:      ClientIP(c),
		UserAgent:     strings.TrimSpace(c.Get(fiber.HeaderUserAgent)),
		Referer:       strings.TrimSpace(c.Get(fiber.HeaderReferer)),
		AccessToken:   BearerToken(c),
		CorrelationID: uuid.NewString(),
	}
}

// ClientIP picks the first parseable address from the forwarding headers.
func ClientIP(c *fiber.Ctx) string {
	for _, header := range []string{"cf-connecting-ip", "x-forwarded-for"} {
		for _, part := range strings.Split(c.Get(header), ",") {
			candidate := strings.TrimSpace(part)
			if candidate == "" {
				continue
			}
			if ip := net.ParseIP(candidate); ip != nil {
				return ip.String()
			}
		}
	}
	return ""
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ForwardedHeaders renders the header set the rate-limit function reads
// (the PostgREST request.headers GUC shape).
func (m Meta) ForwardedHeaders() map[string]string {
	h := make(map[string]string, 3)
	if m.ClientIP != "" {
		h["x-forwarded-for"] = m.ClientIP
	}
	if m.UserAgent != "" {
		h["user-agent"] = m.UserAgent
	}
	if m.Referer != "" {
		h["referer"] = m.Referer
	}
	return h
}
