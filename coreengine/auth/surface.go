package auth

import (
	"net/http"
	"strings"
)

// Surface values.
const (
	SurfaceWeb     = "web"
	SurfaceMobile  = "mobile"
	SurfaceTablet  = "tablet"
	SurfaceUnknown = "unknown"
)

// SurfaceHeader carries an explicit client surface.
const SurfaceHeader = "X-Adobe-Surface"

var (
	mobileAgents  = []string{"mobile", "android", "iphone"}
	tabletAgents  = []string{"tablet", "ipad"}
	browserAgents = []string{"chrome", "firefox", "safari", "edge"}
)

// DetectSurface names the client channel of a request. The explicit surface
// header wins, then the User-Agent, then the Referer.
func DetectSurface(h http.Header) string {
	if s := h.Get(SurfaceHeader); s != "" {
		return strings.ToLower(s)
	}

	if ua := strings.ToLower(h.Get("User-Agent")); ua != "" {
		switch {
		case containsAny(ua, mobileAgents):
			return SurfaceMobile
		case containsAny(ua, tabletAgents):
			return SurfaceTablet
		case containsAny(ua, browserAgents):
			return SurfaceWeb
		}
	}

	if ref := h.Get("Referer"); ref != "" {
		if strings.Contains(strings.ToLower(ref), "mobile") {
			return SurfaceMobile
		}
		return SurfaceWeb
	}
	return SurfaceUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
