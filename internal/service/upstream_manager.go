// Package service wires the router's domain components into the running
// application: the upstream connection pool, the health check loop, and
// the per-session router engine.
package service

import (
	"log/slog"
	"sync"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
)

// managedClient pairs a live client with the fingerprint of the config it
// was built from.
type managedClient struct {
	client      outbound.UpstreamClient
	fingerprint uint64
}

// UpstreamManager owns every upstream client. Clients are created lazily
// on first use and torn down when a reload removes or rewrites their
// configuration.
type UpstreamManager struct {
	factory outbound.ClientFactory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*managedClient
}

// NewUpstreamManager creates an empty manager.
func NewUpstreamManager(factory outbound.ClientFactory, logger *slog.Logger) *UpstreamManager {
	return &UpstreamManager{
		factory: factory,
		logger:  logger,
		clients: make(map[string]*managedClient),
	}
}

// Get returns the client for the named upstream under the given config
// snapshot, creating it on first use. A snapshot whose fingerprint differs
// from the live client's causes a close-and-recreate.
func (m *UpstreamManager) Get(name string, cfg *config.Config) (outbound.UpstreamClient, error) {
	u := cfg.Upstream(name)
	if u == nil {
		return nil, routererr.Newf(routererr.KindBadRequest, "unknown upstream %q", name)
	}
	if !u.IsEnabled() {
		return nil, routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q is disabled", name)
	}

	fp := u.Fingerprint()

	m.mu.Lock()
	for {
		mc, ok := m.clients[name]
		if !ok {
			break
		}
		if mc.fingerprint == fp {
			client := mc.client
			m.mu.Unlock()
			return client, nil
		}
		// Config changed underneath a live client. Close outside the lock,
		// then re-check: another caller may have recreated it meanwhile.
		delete(m.clients, name)
		m.mu.Unlock()
		m.closeClient(name, mc.client)
		m.mu.Lock()
	}

	client, err := m.factory(u, cfg.Sandbox.Stdio)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.clients[name] = &managedClient{client: client, fingerprint: fp}
	m.mu.Unlock()

	m.logger.Debug("upstream client created", "upstream", name, "transport", u.Transport)
	return client, nil
}

// Reconcile tears down clients whose configuration disappeared, was
// disabled, or changed in the new snapshot. Changed upstreams are not
// eagerly recreated; the next Get rebuilds them.
func (m *UpstreamManager) Reconcile(cfg *config.Config) {
	m.mu.Lock()
	var stale []struct {
		name   string
		client outbound.UpstreamClient
	}
	for name, mc := range m.clients {
		u := cfg.Upstream(name)
		if u != nil && u.IsEnabled() && u.Fingerprint() == mc.fingerprint {
			continue
		}
		stale = append(stale, struct {
			name   string
			client outbound.UpstreamClient
		}{name, mc.client})
		delete(m.clients, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range stale {
		wg.Add(1)
		go func(name string, client outbound.UpstreamClient) {
			defer wg.Done()
			m.closeClient(name, client)
		}(s.name, s.client)
	}
	wg.Wait()

	if len(stale) > 0 {
		m.logger.Info("upstream pool reconciled", "closed", len(stale), "live", m.Size())
	}
}

// CloseAll tears down every client concurrently. Called on shutdown after
// the front-ends have drained their sessions.
func (m *UpstreamManager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*managedClient)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, mc := range clients {
		wg.Add(1)
		go func(name string, client outbound.UpstreamClient) {
			defer wg.Done()
			m.closeClient(name, client)
		}(name, mc.client)
	}
	wg.Wait()
}

// Size returns the number of live clients.
func (m *UpstreamManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *UpstreamManager) closeClient(name string, client outbound.UpstreamClient) {
	if err := client.Close(); err != nil {
		m.logger.Warn("upstream client close failed", "upstream", name, "error", err)
	}
}
