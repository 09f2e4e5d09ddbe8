package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	poolURI         = "mailgate://pool"
	ledgerURIPrefix = "mailgate://ledger/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			poolURI,
			"Mailbox Pool",
			mcp.WithResourceDescription("Per-protocol counts of total, unassigned and banned mailboxes."),
			mcp.WithMIMEType("application/json"),
		),
		s.handlePoolResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			ledgerURIPrefix+"{subject}",
			"Usage Ledger",
			mcp.WithTemplateDescription("Recorded uses of a card key or invite ID."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleLedgerResource,
	)
}

func (s *MCPServer) handlePoolResource(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.store.PoolStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool stats: %w", err)
	}
	return jsonContents(poolURI, stats)
}

func (s *MCPServer) handleLedgerResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	subject, ok := strings.CutPrefix(uri, ledgerURIPrefix)
	if !ok || subject == "" {
		return nil, fmt.Errorf("invalid ledger URI %q: expected %s{subject}", uri, ledgerURIPrefix)
	}
	entries, err := s.ledger.Entries(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger for %q: %w", subject, err)
	}
	return jsonContents(uri, entries)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
