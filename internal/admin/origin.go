package admin

import (
	"log/slog"
	"net/http"
	"net/url"
)

// newCheckOrigin accepts empty origins (non-browser clients) and origins naming the host the request was
// sent to. In development localhost origins are accepted as well.
func newCheckOrigin(isDevelopment bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			slog.Warn("WebSocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
			return false
		}

		if u.Host == r.Host {
			return true
		}

		if isDevelopment && isLocalhost(u.Hostname()) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
		return false
	}
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
