package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a WebSocket.
type originPolicy struct {
	allowed      map[string]struct{}
	allowAll     bool
	allowMissing bool
	logger       *slog.Logger
}

func newOriginPolicy(origins []string, allowMissing bool, logger *slog.Logger) *originPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	normalized, allowAll := normalizeOrigins(origins, logger)

	allowed := make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		allowed[origin] = struct{}{}
	}

	return &originPolicy{
		allowed:      allowed,
		allowAll:     allowAll,
		allowMissing: allowMissing,
		logger:       logger,
	}
}

func normalizeOrigins(origins []string, logger *slog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// allows reports whether a request carrying originHeader may connect. Native
// clients send no Origin at all; they are admitted when allowMissing is set.
func (p *originPolicy) allows(originHeader string) bool {
	if originHeader == "" {
		return p.allowMissing
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin has the signature websocket.Upgrader expects.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.allows(origin) {
		return true
	}

	p.logger.Warn("blocked websocket connection from disallowed origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}
