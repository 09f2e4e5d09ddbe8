package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/service"
	"github.com/mailgate/mailgate/internal/store"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

// Options tune which tools are exposed.
type Options struct {
	// AllowIssuing registers the tools that mint card keys and invites.
	AllowIssuing bool
}

// MCPServer wraps the mcp-go server with mailgate tools and resources. It
// lets an agent inspect tokens, the pool and the ledger, and, when enabled,
// issue new tokens.
type MCPServer struct {
	gw     *service.Gateway
	store  *store.Store
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with the mailgate tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(gw *service.Gateway, st *store.Store, l *ledger.Ledger, opts Options, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		gw:     gw,
		store:  st,
		ledger: l,
		opts:   opts,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"mailgate",
		Version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// mailgate as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
