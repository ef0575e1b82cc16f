// Package mcptools exposes the team runtime to agent CLIs over MCP. Agents
// identify themselves by their agent ID; every tool resolves the agent first
// and scopes the operation to its deployment.
package mcptools

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Server hosts the team tools over both MCP HTTP transports: SSE for Claude
// Desktop style clients, streamable HTTP for Codex.
type Server struct {
	cfg        Config
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	log        *logger.Logger
}

// NewServer builds the MCP server with the team toolset registered.
func NewServer(cfg Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{cfg: cfg, log: log.WithFields(zap.String("component", "team-mcp"))}

	mcpServer := server.NewMCPServer("crewdeck-team", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, deps, s.log)

	sseServer := server.NewSSEServer(mcpServer)
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	mux.Handle("/mcp", streamable)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Start listens and serves in a goroutine. The bound port is written back to
// the config so port 0 works in tests.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for mcp: %w", err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	go func() {
		s.log.Info("mcp server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server error", zap.Error(err))
		}
	}()
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
