package http

import (
	"encoding/json"
	"net/http"

	"github.com/mcp-router/mcp-router/internal/service"
)

// upstreamStatus is one row of the admin status report. Unlike
// list_providers it ignores principal visibility: operators see every
// configured upstream, including disabled ones.
type upstreamStatus struct {
	Name      string               `json:"name"`
	Transport string               `json:"transport"`
	Enabled   bool                 `json:"enabled"`
	Tags      []string             `json:"tags,omitempty"`
	Version   string               `json:"version,omitempty"`
	Circuit   string               `json:"circuit"`
	Failures  int                  `json:"failures"`
	Health    service.HealthStatus `json:"health"`
}

type statusReport struct {
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Upstreams []upstreamStatus `json:"upstreams"`
}

func (t *Transport) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cfg := t.deps.Ref.Get()
		report := statusReport{
			Service:   service.ServerName,
			Version:   t.version,
			Upstreams: []upstreamStatus{},
		}
		for _, name := range cfg.UpstreamNames() {
			u := cfg.Upstream(name)
			snap := t.deps.Breaker.SnapshotOf(name)
			row := upstreamStatus{
				Name:      name,
				Transport: u.Transport,
				Enabled:   u.IsEnabled(),
				Tags:      u.Tags,
				Version:   u.Version,
				Circuit:   snap.State.String(),
				Failures:  snap.ConsecutiveFailures,
				Health:    service.HealthStatus{Status: service.HealthUnknown},
			}
			if t.deps.Health != nil {
				row.Health = t.deps.Health.StatusOf(name)
			}
			report.Upstreams = append(report.Upstreams, row)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
}
