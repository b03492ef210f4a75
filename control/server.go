// Package control exposes a Manager's inbound operations as MCP tools over
// streamable HTTP, for front ends that do not link the agentloop package.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/martinemde/conductor/agentloop"
	"github.com/martinemde/conductor/audit"
	"go.uber.org/zap"
)

// History replays the recorded events of a session.
type History interface {
	Events(ctx context.Context, sessionID string) ([]agentloop.Event, error)
}

// HistoryFunc adapts a function to History.
type HistoryFunc func(ctx context.Context, sessionID string) ([]agentloop.Event, error)

func (f HistoryFunc) Events(ctx context.Context, sessionID string) ([]agentloop.Event, error) {
	return f(ctx, sessionID)
}

// Archive is a History that also indexes the sessions it holds. The audit
// store is one.
type Archive interface {
	History
	Sessions(ctx context.Context) ([]string, error)
	Summary(ctx context.Context, sessionID string) ([]audit.KindCount, error)
}

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	// History enables the session_events tool. When it is also an Archive,
	// list_sessions includes archived sessions and session_status reports
	// event counts.
	History History
	// MaxWait caps the wait_seconds argument of start and resume.
	MaxWait time.Duration
	Logger  *zap.Logger
}

// Server serves the control tools.
type Server struct {
	manager *agentloop.Manager
	history History
	archive Archive
	maxWait time.Duration
	logger  *zap.Logger

	mcpServer *server.MCPServer

	mu        sync.Mutex
	stdServer *http.Server
	addr      string
}

// New creates a Server for m with its tools registered.
func New(m *agentloop.Manager, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "conductor"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		manager: m,
		history: opts.History,
		maxWait: opts.MaxWait,
		logger:  opts.Logger,
	}
	if a, ok := opts.History.(Archive); ok {
		s.archive = a
	}
	s.mcpServer = server.NewMCPServer(opts.Name, opts.Version, server.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer { return s.mcpServer }

// Handler returns an HTTP handler serving the tools at /mcp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true)))
	return mux
}

// Start listens on addr and serves in the background. It returns the
// endpoint URL.
func (s *Server) Start(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdServer != nil {
		return "", errors.New("control server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.addr = listener.Addr().String()
	s.stdServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("control server listening", zap.String("url", s.urlLocked()))
	return s.urlLocked(), nil
}

// URL returns the endpoint URL, or "" before Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked()
}

func (s *Server) urlLocked() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/mcp"
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdServer == nil {
		return nil
	}
	err := s.stdServer.Shutdown(ctx)
	s.stdServer = nil
	s.addr = ""
	if err != nil {
		return fmt.Errorf("stop control server: %w", err)
	}
	return nil
}
