package gateway

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Authorization", "Content-Type"}
	corsExposed = []string{"X-Correlation-Id", "X-Cache", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"}
)

// corsPolicy answers browser pre-flight requests from allowed origins.
type corsPolicy struct {
	origins []string
	// allowHeaders is corsHeaders plus the tenant headers the resolver reads.
	allowHeaders string
}

func newCORSPolicy(origins []string, tenantHeaders ...string) corsPolicy {
	headers := slices.Clone(corsHeaders)
	for _, name := range tenantHeaders {
		name = http.CanonicalHeaderKey(name)
		if !slices.Contains(headers, name) {
			headers = append(headers, name)
		}
	}
	return corsPolicy{origins: origins, allowHeaders: strings.Join(headers, ", ")}
}

func (c corsPolicy) allowed(origin string) bool {
	return origin != "" && (slices.Contains(c.origins, "*") || slices.Contains(c.origins, origin))
}

// apply sets the CORS response headers and reports whether r was a pre-flight
// that has been answered.
func (c corsPolicy) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !c.allowed(origin) {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		h.Set("Access-Control-Expose-Headers", strings.Join(corsExposed, ", "))
		return false
	}

	h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
	h.Set("Access-Control-Allow-Headers", c.allowHeaders)
	h.Set("Access-Control-Max-Age", strconv.Itoa(600))
	w.WriteHeader(http.StatusNoContent)
	return true
}
