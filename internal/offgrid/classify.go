package offgrid

import (
	"net/http"
	"strings"
)

// classify sorts a request into a strategy bucket. Order matters: scheme and
// origin first, then the API prefix, then the navigation check.
func classify(r *http.Request, originHost, apiPrefix string) Classification {
	u := r.URL
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return ClassIgnored
		}
		if !strings.EqualFold(u.Host, originHost) {
			return ClassIgnored
		}
	}
	if strings.HasPrefix(u.Path, apiPrefix) {
		return ClassAPI
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	return ClassStaticAsset
}

// isNavigation reports whether the request is a full-page navigation rather
// than a sub-resource fetch. Browsers set Sec-Fetch-Mode on every request;
// the Accept sniff covers clients that don't.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func requestKeyOf(r *http.Request) RequestKey {
	return RequestKey{Method: r.Method, URL: r.URL.RequestURI()}
}
