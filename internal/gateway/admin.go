package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/routing"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// KeyStatus reports when the signing keys were last fetched.
type KeyStatus interface {
	FetchedAt() time.Time
}

// AdminOptions wires the admin surface.
type AdminOptions struct {
	Breakers *governance.CircuitBreakerManager
	Router   *routing.Router
	Keys     KeyStatus
	Metrics  *telemetry.Metrics
	Version  string
}

type upstreamStatus struct {
	Name    string                          `json:"name"`
	Prefix  string                          `json:"prefix"`
	BaseURL string                          `json:"baseUrl"`
	Health  routing.HealthStatus            `json:"health"`
	Circuit *governance.CircuitBreakerStats `json:"circuit,omitempty"`
}

// NewAdminHandler serves health, metrics and circuit administration on the admin port.
func NewAdminHandler(opts AdminOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok", "version": opts.Version}
		if opts.Keys != nil {
			if fetched := opts.Keys.FetchedAt(); !fetched.IsZero() {
				body["jwksFetchedAt"] = fetched.UTC().Format(time.RFC3339)
			}
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.Handle("GET /metrics", opts.Metrics.Handler())

	mux.HandleFunc("GET /admin/upstreams", func(w http.ResponseWriter, _ *http.Request) {
		circuits := map[string]governance.CircuitBreakerStats{}
		if opts.Breakers != nil {
			for _, s := range opts.Breakers.Stats() {
				circuits[s.Name] = s
			}
		}
		health := opts.Router.Health()
		routes := opts.Router.Routes()
		out := make([]upstreamStatus, 0, len(routes))
		for _, route := range routes {
			status := upstreamStatus{
				Name:    route.Name,
				Prefix:  route.Prefix,
				BaseURL: route.BaseURL.String(),
				Health:  health[route.Name],
			}
			if s, ok := circuits[route.Name]; ok {
				status.Circuit = &s
			}
			out = append(out, status)
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /admin/circuits", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, opts.Breakers.Stats())
	})

	mux.HandleFunc("POST /admin/circuits/reset", func(w http.ResponseWriter, _ *http.Request) {
		opts.Breakers.ResetAll()
		writeJSON(w, http.StatusOK, opts.Breakers.Stats())
	})

	mux.HandleFunc("POST /admin/circuits/{name}/reset", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := opts.Breakers.Reset(name); err != nil {
			if errors.Is(err, governance.ErrUnknownBreaker) {
				writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Code: "UNKNOWN_CIRCUIT", Message: err.Error()})
				return
			}
			writeError(w, domain.InternalError(err), "")
			return
		}
		writeJSON(w, http.StatusOK, opts.Breakers.Get(name).Stats())
	})

	return mux
}
