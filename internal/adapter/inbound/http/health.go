package http

import (
	"encoding/json"
	"net/http"

	"github.com/mcp-router/mcp-router/internal/service"
)

// healthzHandler answers liveness probes. It reports process liveness
// only; upstream health lives on the admin status endpoint and in
// list_providers.
func (t *Transport) healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"service": service.ServerName,
			"version": t.version,
		})
	})
}
