package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	mgmcp "github.com/mailgate/mailgate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes token inspection,
pool status and the usage ledger as tools for AI agents. Supports stdio
(default) and HTTP transports.

Issuing tools are only registered when mcp.allow_issuing is true.`,
		Example: `  mailgate mcp                            # stdio mode
  mailgate mcp --transport http --port 3001  # Streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (default from mcp.transport)")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.MCP.Enabled {
		return fmt.Errorf("the MCP server is disabled (mcp.enabled: false)")
	}
	if transport == "" {
		transport = a.cfg.MCP.Transport
	}

	mgmcp.Version = versionString()
	mcpSrv := mgmcp.NewMCPServer(a.gateway, a.store, a.ledger, mgmcp.Options{
		AllowIssuing: a.cfg.MCP.AllowIssuing,
	}, a.logger)

	switch transport {
	case "", "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
