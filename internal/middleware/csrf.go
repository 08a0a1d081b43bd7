// Package middleware holds net/http middleware shared by the HTTP routes.
package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// CSRFConfig lists the origins allowed to submit state-changing requests.
// With no origins configured every state-changing request is rejected.
type CSRFConfig struct {
	AllowedOrigins []string
}

// CSRF validates Origin/Referer headers on state-changing requests.
func CSRF(config CSRFConfig) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(config.AllowedOrigins))
	for _, origin := range config.AllowedOrigins {
		normalized := normalizeOrigin(origin)
		if normalized != "" {
			allowedSet[normalized] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if origin := r.Header.Get("Origin"); origin != "" {
				if !isAllowedOrigin(origin, allowedSet) {
					http.Error(w, "CSRF validation failed: invalid origin", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if referer := r.Header.Get("Referer"); referer != "" {
				if !isAllowedOrigin(extractOrigin(referer), allowedSet) {
					http.Error(w, "CSRF validation failed: invalid referer", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			http.Error(w, "CSRF validation failed: missing origin", http.StatusForbidden)
		})
	}
}

func isAllowedOrigin(origin string, allowedSet map[string]bool) bool {
	normalized := normalizeOrigin(origin)
	return normalized != "" && allowedSet[normalized]
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// extractOrigin returns scheme://host[:port] of rawURL.
func extractOrigin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
