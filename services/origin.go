package services

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OriginAllowlist decides which browser origins may open the interview socket.
type OriginAllowlist struct {
	any     bool
	origins map[string]struct{}
}

// NewOriginAllowlist parses a comma separated list of origins. "*" admits
// every origin; an empty list admits none.
func NewOriginAllowlist(list string) *OriginAllowlist {
	a := &OriginAllowlist{origins: make(map[string]struct{})}
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "*":
			a.any = true
			continue
		}
		if origin, ok := normalizeOrigin(raw); ok {
			a.origins[origin] = struct{}{}
		} else {
			slog.Warn("Ignoring malformed websocket origin", "origin", raw)
		}
	}
	return a
}

// Allow is an Upgrader.CheckOrigin. Requests without an Origin header come
// from non-browser clients and are admitted; the bearer token still applies.
func (a *OriginAllowlist) Allow(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || a.any {
		return true
	}
	origin, ok := normalizeOrigin(header)
	if ok {
		if _, allowed := a.origins[origin]; allowed {
			return true
		}
	}
	slog.Warn("WebSocket connection rejected", "origin", header, "allowed", len(a.origins))
	return false
}

// normalizeOrigin reduces an origin to lower-case scheme://host[:port].
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
