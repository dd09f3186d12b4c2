package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// statusRecorder remembers the status written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// writeError renders err as the JSON error model. Wrapped causes are never
// exposed to the client.
func writeError(w http.ResponseWriter, gwErr *domain.GatewayError, correlationID string) {
	if gwErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeJSON(w, gwErr.Status, domain.ErrorResponse{
		Code:          gwErr.Code,
		Message:       gwErr.Message,
		CorrelationID: correlationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
