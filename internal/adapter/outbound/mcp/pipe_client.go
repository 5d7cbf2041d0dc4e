package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// terminateGrace is the wait at each stage of child shutdown: after closing
// stdin, and again after SIGTERM before SIGKILL.
const terminateGrace = 2 * time.Second

// PipeClient runs an upstream as a child process and speaks MCP over its
// stdio. The child is spawned lazily on the first operation; a child that
// dies mid-call is respawned per the upstream's restart policy within that
// same call.
type PipeClient struct {
	cfg     *config.UpstreamConfig
	sandbox config.StdioSandboxConfig
	logger  *slog.Logger

	mu      sync.Mutex
	session *sdk.ClientSession
	cmd     *exec.Cmd
	stderr  *stderrLogger
	pending *connectAttempt
	closed  bool
}

var _ outbound.UpstreamClient = (*PipeClient)(nil)

// NewPipeClient creates an unspawned client for a pipe-transport upstream.
func NewPipeClient(cfg *config.UpstreamConfig, sandbox config.StdioSandboxConfig, logger *slog.Logger) *PipeClient {
	return &PipeClient{
		cfg:     cfg,
		sandbox: sandbox,
		logger:  logger.With("upstream", cfg.Name),
	}
}

// ListTools implements outbound.UpstreamClient.
func (c *PipeClient) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	var tools []*sdk.Tool
	err := c.do(ctx, func(opCtx context.Context, session *sdk.ClientSession) error {
		res, err := session.ListTools(opCtx, &sdk.ListToolsParams{})
		if err != nil {
			return err
		}
		tools = res.Tools
		return nil
	})
	return tools, err
}

// CallTool implements outbound.UpstreamClient.
func (c *PipeClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*sdk.CallToolResult, error) {
	var result *sdk.CallToolResult
	err := c.do(ctx, func(opCtx context.Context, session *sdk.ClientSession) error {
		res, err := session.CallTool(opCtx, &sdk.CallToolParams{Name: name, Arguments: arguments})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// do runs one operation against a live session, respawning the child with
// backoff on transport failures. Protocol errors return immediately: the
// child is alive and retrying would repeat the same answer.
func (c *PipeClient) do(ctx context.Context, op func(context.Context, *sdk.ClientSession) error) error {
	policy := c.cfg.RestartPolicy()
	var lastErr error
	for attempt := 0; ; attempt++ {
		session, err := c.getSession(ctx)
		if err != nil {
			if routererr.KindOf(err) == routererr.KindConfigInvalid {
				return err
			}
			lastErr = err
		} else {
			opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
			err = op(opCtx, session)
			cancel()
			if err == nil {
				return nil
			}
			classified := classifyError(c.cfg.Name, err, true)
			if routererr.KindOf(classified) == routererr.KindProtocol {
				return classified
			}
			c.dropSession(session)
			lastErr = classified
		}

		if attempt >= policy.MaxRetries || ctx.Err() != nil {
			return lastErr
		}
		delay := backoffDelay(policy, attempt)
		c.logger.Warn("upstream pipe call failed, respawning",
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
}

// backoffDelay returns min(maxDelayMs, initialDelayMs * factor^attempt).
func backoffDelay(policy config.RestartConfig, attempt int) time.Duration {
	ms := float64(policy.InitialDelayMs) * math.Pow(policy.Factor, float64(attempt))
	if max := float64(policy.MaxDelayMs); ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// Close implements outbound.UpstreamClient. Shutdown is two-phase: closing
// the session ends the child's stdin; a child that does not exit within the
// grace period is signalled, then killed.
func (c *PipeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	session := c.session
	cmd := c.cmd
	stderr := c.stderr
	c.session = nil
	c.cmd = nil
	c.stderr = nil
	c.mu.Unlock()

	err := closeSessionAndChild(session, cmd)
	if stderr != nil {
		stderr.Flush()
	}
	return err
}

func closeSessionAndChild(session *sdk.ClientSession, cmd *exec.Cmd) error {
	if session == nil {
		return nil
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-time.After(terminateGrace):
	}

	var proc *os.Process
	if cmd != nil {
		proc = cmd.Process
	}
	terminateProcess(proc, terminateGrace, done)

	select {
	case <-done:
		return closeErr
	case <-time.After(terminateGrace):
		return routererr.New(routererr.KindInternal, "upstream child did not exit after kill")
	}
}

// getSession mirrors the HTTP client's lazy coalesced connect, spawning a
// child process instead of dialing.
func (c *PipeClient) getSession(ctx context.Context) (*sdk.ClientSession, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q client closed", c.cfg.Name)
		}
		if c.session != nil {
			session := c.session
			c.mu.Unlock()
			return session, nil
		}
		if att := c.pending; att != nil {
			c.mu.Unlock()
			select {
			case <-att.done:
			case <-ctx.Done():
				return nil, classifyError(c.cfg.Name, ctx.Err(), false)
			}
			if att.err != nil {
				return nil, att.err
			}
			continue
		}

		att := &connectAttempt{done: make(chan struct{})}
		c.pending = att
		c.mu.Unlock()

		session, cmd, stderr, err := c.spawn(ctx)

		c.mu.Lock()
		c.pending = nil
		if err == nil {
			if c.closed {
				c.mu.Unlock()
				closeSessionAndChild(session, cmd)
				c.mu.Lock()
				err = routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q client closed", c.cfg.Name)
				session = nil
			} else {
				c.session = session
				c.cmd = cmd
				c.stderr = stderr
			}
		}
		att.session, att.err = session, err
		close(att.done)
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// spawn starts the child and completes the MCP handshake over its stdio.
func (c *PipeClient) spawn(ctx context.Context) (*sdk.ClientSession, *exec.Cmd, *stderrLogger, error) {
	if err := checkSandbox(c.cfg, c.sandbox); err != nil {
		return nil, nil, nil, err
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Cwd
	cmd.Env = buildChildEnv(c.cfg.Env, c.sandbox.InheritEnvKeys)

	var stderr *stderrLogger
	if c.cfg.StderrMode != "ignore" {
		stderr = newStderrLogger(c.logger)
		cmd.Stderr = stderr
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	client := sdk.NewClient(clientInfo, nil)
	session, err := client.Connect(connectCtx, &sdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		c.logger.Warn("upstream spawn failed", "command", c.cfg.Command, "error", err)
		return nil, nil, nil, classifyError(c.cfg.Name, err, false)
	}
	c.logger.Debug("upstream spawned", "command", c.cfg.Command, "pid", cmd.Process.Pid)
	return session, cmd, stderr, nil
}

// dropSession discards a dead session so the next attempt respawns.
func (c *PipeClient) dropSession(session *sdk.ClientSession) {
	c.mu.Lock()
	var cmd *exec.Cmd
	if c.session == session {
		c.session = nil
		cmd = c.cmd
		c.cmd = nil
	}
	c.mu.Unlock()
	closeSessionAndChild(session, cmd)
}
