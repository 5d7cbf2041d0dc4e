package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcp-router/mcp-router/internal/domain/principal"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

const (
	sessionHeader   = "Mcp-Session-Id"
	requestIDHeader = "X-Request-ID"
)

// requestID propagates or assigns a request ID and reflects it back for
// correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type principalContextKey struct{}

// principalFrom returns the authenticated principal stored by the auth
// middleware, or Anonymous when the request never passed through it.
func principalFrom(ctx context.Context) principal.Principal {
	if p, ok := ctx.Value(principalContextKey{}).(principal.Principal); ok {
		return p
	}
	return principal.Anonymous
}

// authenticated resolves the caller's token against the current config
// snapshot. Tokens arrive as "Authorization: Bearer <token>" or in
// X-API-Key; unknown tokens are rejected before any MCP processing.
func (t *Transport) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		prin, err := principal.FromToken(t.deps.Ref.Get(), token)
		if err != nil {
			t.logger.Warn("rejected request", "error", err, "remote", r.RemoteAddr)
			writeUnauthorized(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, prin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// writeUnauthorized emits the 401 body as a JSON-RPC error so MCP clients
// surface a parseable failure instead of bare text.
func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "authentication required"
	var rerr *routererr.Error
	if errors.As(err, &rerr) {
		msg = rerr.Message
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": routererr.CodeServerError, "message": msg},
		"id":      nil,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)
}

// sessionIdleTTL bounds how long an untouched binding survives. Bindings
// for sessions the SDK handler already expired are reaped on the next bind.
const sessionIdleTTL = 30 * time.Minute

type binding struct {
	fingerprint string
	lastSeen    time.Time
}

// sessionBindings pins each MCP session to the token fingerprint that
// opened it. A session ID presented with a different token is rejected,
// so a leaked session ID is useless without the original credential.
type sessionBindings struct {
	mu     sync.Mutex
	owners map[string]binding
	now    func() time.Time
}

func newSessionBindings() *sessionBindings {
	return &sessionBindings{owners: make(map[string]binding), now: time.Now}
}

func (s *sessionBindings) owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.owners[id]
	if ok {
		b.lastSeen = s.now()
		s.owners[id] = b
	}
	return b.fingerprint, ok
}

func (s *sessionBindings) bind(id, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for sid, b := range s.owners {
		if now.Sub(b.lastSeen) > sessionIdleTTL {
			delete(s.owners, sid)
		}
	}
	s.owners[id] = binding{fingerprint: fingerprint, lastSeen: now}
}

func (s *sessionBindings) drop(id string) {
	s.mu.Lock()
	delete(s.owners, id)
	s.mu.Unlock()
}

// sseSessionBound enforces the same binding for the deprecated SSE
// transport, where the session ID travels in a ?sessionId= query parameter
// instead of a header. The opening GET stream announces the ID in its
// endpoint event, so the response body is sniffed to capture it; message
// posts present the parameter and are rejected on an owner mismatch.
func (t *Transport) sseSessionBound(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prin := principalFrom(r.Context())
		if id := r.URL.Query().Get("sessionId"); id != "" {
			if owner, ok := t.sessions.owner(id); ok && owner != prin.Fingerprint {
				writeUnauthorized(w, routererr.New(routererr.KindUnauthenticated, "session does not belong to this credential"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(&sseEndpointCapture{
			ResponseWriter: w,
			bindings:       t.sessions,
			fingerprint:    prin.Fingerprint,
		}, r)
	})
}

// sseEndpointCapture sniffs the SSE stream for the endpoint event and binds
// the session ID it carries. Buffering stops once the ID is seen or after
// the first few KB, so the long-lived stream is not accumulated.
type sseEndpointCapture struct {
	http.ResponseWriter
	bindings    *sessionBindings
	fingerprint string
	done        bool
	buf         []byte
}

func (c *sseEndpointCapture) Write(p []byte) (int, error) {
	if !c.done {
		c.buf = append(c.buf, p...)
		if id := sseSessionID(string(c.buf)); id != "" {
			c.bindings.bind(id, c.fingerprint)
			c.done = true
			c.buf = nil
		} else if len(c.buf) > 4096 {
			c.done = true
			c.buf = nil
		}
	}
	return c.ResponseWriter.Write(p)
}

// Flush keeps the SSE stream delivering events through the wrapper.
func (c *sseEndpointCapture) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// sseSessionID extracts a complete sessionId value from endpoint-event
// text. An ID still missing its terminating delimiter returns "" so the
// caller waits for the rest of the write.
func sseSessionID(s string) string {
	const key = "sessionId="
	i := strings.Index(s, key)
	if i < 0 {
		return ""
	}
	rest := s[i+len(key):]
	end := strings.IndexAny(rest, "&\r\n \t\"")
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

// sessionBound enforces the session-to-fingerprint binding around the MCP
// handler. New session IDs are captured from the response header of the
// initialize request; DELETE releases the binding.
func (t *Transport) sessionBound(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prin := principalFrom(r.Context())
		if id := r.Header.Get(sessionHeader); id != "" {
			if owner, ok := t.sessions.owner(id); ok && owner != prin.Fingerprint {
				writeUnauthorized(w, routererr.New(routererr.KindUnauthenticated, "session does not belong to this credential"))
				return
			}
			if r.Method == http.MethodDelete {
				defer t.sessions.drop(id)
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
		if id := w.Header().Get(sessionHeader); id != "" {
			t.sessions.bind(id, prin.Fingerprint)
		}
	})
}
