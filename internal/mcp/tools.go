package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/store"
)

// maxListLimit bounds how many pool resources one tool call returns.
const maxListLimit = 500

// registerTools adds all mailgate tools to the MCP server. The issuing tools
// are only registered when Options.AllowIssuing is set.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("mailgate_inspect_card_key",
			mcp.WithDescription("Decode a card key and show its fields without consulting or writing the usage ledger. "+
				"Use this to check whether a key is well formed."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("token", mcp.Required(), mcp.Description("The card key, starting with CK")),
		),
		s.handleInspectCardKey,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_verify_card_key",
			mcp.WithDescription("Verify a card key on behalf of a requester. A one-time key is consumed by this call: "+
				"a second verification by anyone fails with already_used."),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("token", mcp.Required(), mcp.Description("The card key")),
			mcp.WithString("requester_id", mcp.Required(), mcp.Description("Identity the key is consumed for")),
		),
		s.handleVerifyCardKey,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_verify_invite",
			mcp.WithDescription("Report whether an invite can currently be used, how many registrations it has "+
				"and which methods it accepts. Never consumes a registration."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("token", mcp.Required(), mcp.Description("The invite code, starting with IV")),
		),
		s.handleVerifyInvite,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_pool_status",
			mcp.WithDescription("Show total, unassigned and banned mailbox counts per protocol."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handlePoolStatus,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_list_resources",
			mcp.WithDescription("List pool mailboxes. Credentials are never included in the output."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("protocol", mcp.Description("IMAP or GRAPH")),
			mcp.WithString("owner", mcp.Description("Only mailboxes bound to this requester")),
			mcp.WithBoolean("unassigned", mcp.Description("Only mailboxes not yet bound to anyone")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 50, max 500)")),
		),
		s.handleListResources,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_ledger_entries",
			mcp.WithDescription("Show the recorded uses of a card key or invite."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("subject", mcp.Required(), mcp.Description("A card key token or an invite ID")),
		),
		s.handleLedgerEntries,
	)

	if !s.opts.AllowIssuing {
		return
	}

	srv.AddTool(
		mcp.NewTool("mailgate_issue_card_key",
			mcp.WithDescription("Mint a new card key."),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("source", mcp.Required(), mcp.Description("Distribution channel: channel-a, channel-b, internal or custom")),
			mcp.WithString("custom_source", mcp.Description("Channel label when source is custom")),
			mcp.WithNumber("email_count", mcp.Required(), mcp.Description("Mailboxes granted by the key")),
			mcp.WithString("duration", mcp.Description("short or long (default short)")),
			mcp.WithBoolean("reusable", mcp.Description("Allow the key to be verified more than once")),
		),
		s.handleIssueCardKey,
	)

	srv.AddTool(
		mcp.NewTool("mailgate_issue_invite",
			mcp.WithDescription("Mint a new invite code."),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("imap_count", mcp.Description("IMAP mailboxes per registration")),
			mcp.WithNumber("graph_count", mcp.Description("GRAPH mailboxes per registration")),
			mcp.WithNumber("max_registrations", mcp.Required(), mcp.Description("How many registrations the invite admits")),
			mcp.WithNumber("valid_days", mcp.Required(), mcp.Description("Days until the invite expires")),
			mcp.WithArray("methods", mcp.WithStringItems(), mcp.Description("Accepted methods: linuxdo, google, cardkey, other")),
			mcp.WithBoolean("allow_batch_add_emails", mcp.Description("Let registrants add mailboxes in bulk")),
			mcp.WithBoolean("trial", mcp.Description("Create trial accounts instead of accepting registration methods")),
		),
		s.handleIssueInvite,
	)
}

// --------------------------------------------------------------------------
// Tool handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleInspectCardKey(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, err := requireString(request, "token")
	if err != nil {
		return toolError("%v", err)
	}
	key, err := s.gw.CardKeys().Decode(tok)
	if err != nil {
		return kindError(err)
	}
	return successJSON(key)
}

func (s *MCPServer) handleVerifyCardKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, err := requireString(request, "token")
	if err != nil {
		return toolError("%v", err)
	}
	requester, err := requireString(request, "requester_id")
	if err != nil {
		return toolError("%v", err)
	}

	res, err := s.gw.CardKeys().Verify(ctx, tok, requester)
	if err != nil {
		return kindError(err)
	}
	s.logger.Info("card key verified via MCP", "short_id", res.Key.ShortID, "requester", requester)
	return successJSON(map[string]interface{}{
		"valid":    res.Valid,
		"card_key": res.Key,
	})
}

func (s *MCPServer) handleVerifyInvite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, err := requireString(request, "token")
	if err != nil {
		return toolError("%v", err)
	}

	vr, err := s.gw.Invites().Verify(ctx, tok)
	kind := model.KindOf(err)
	switch kind {
	case model.KindNone, model.KindExpired, model.KindQuotaExhausted:
	default:
		return kindError(err)
	}
	return successJSON(map[string]interface{}{
		"valid":     vr.Valid,
		"can_use":   vr.CanUse,
		"reason":    kind,
		"invite":    vr.Invite,
		"used":      vr.Used,
		"remaining": vr.Remaining,
	})
}

func (s *MCPServer) handlePoolStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.PoolStats(ctx)
	if err != nil {
		return kindError(err)
	}
	return successJSON(stats)
}

func (s *MCPServer) handleListResources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := store.ResourceFilter{
		OwnerID:    optionalString(request, "owner", ""),
		Unassigned: optionalBool(request, "unassigned"),
		Limit:      clamp(optionalInt(request, "limit", 50), 1, maxListLimit),
	}
	if p := optionalString(request, "protocol", ""); p != "" {
		proto, err := model.ParseProtocol(p)
		if err != nil {
			return kindError(err)
		}
		f.Protocol = proto
	}

	res, err := s.store.ListResources(ctx, f)
	if err != nil {
		return kindError(err)
	}
	out := make([]model.EmailResource, len(res))
	for i, r := range res {
		r.Password = ""
		r.ClientID = ""
		r.RefreshToken = ""
		out[i] = r
	}
	return successJSON(out)
}

func (s *MCPServer) handleLedgerEntries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := requireString(request, "subject")
	if err != nil {
		return toolError("%v", err)
	}
	entries, err := s.ledger.Entries(ctx, subject)
	if err != nil {
		return kindError(err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return successJSON(entries)
}

func (s *MCPServer) handleIssueCardKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := requireString(request, "source")
	if err != nil {
		return toolError("%v", err)
	}
	p := cardkey.Params{
		Source:       cardkey.Source(source),
		CustomSource: optionalString(request, "custom_source", ""),
		EmailCount:   optionalInt(request, "email_count", 0),
		Duration:     cardkey.Duration(optionalString(request, "duration", string(cardkey.DurationShort))),
		Reusable:     optionalBool(request, "reusable"),
	}

	tok, err := s.gw.CardKeys().Issue(ctx, p)
	if err != nil {
		return kindError(err)
	}
	s.logger.Info("card key issued via MCP", "source", source, "email_count", p.EmailCount)
	return successJSON(map[string]string{"token": tok})
}

func (s *MCPServer) handleIssueInvite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	methods, err := invite.ParseMethods(optionalStringSlice(request, "methods"))
	if err != nil {
		return kindError(err)
	}
	p := invite.Params{
		IMAPCount:              optionalInt(request, "imap_count", 0),
		GraphCount:             optionalInt(request, "graph_count", 0),
		MaxRegistrations:       optionalInt(request, "max_registrations", 0),
		ValidDays:              optionalInt(request, "valid_days", 0),
		Methods:                methods,
		AllowBatchAddEmails:    optionalBool(request, "allow_batch_add_emails"),
		AutoCreateTrialAccount: optionalBool(request, "trial"),
		CreatedBy:              "mcp",
	}

	tok, err := s.gw.Invites().Issue(ctx, p)
	if err != nil {
		return kindError(err)
	}
	inv, err := s.gw.Invites().Decode(tok)
	if err != nil {
		return kindError(err)
	}
	s.logger.Info("invite issued via MCP", "invite_id", inv.ID)
	return successJSON(map[string]interface{}{
		"token":  tok,
		"invite": inv,
	})
}

func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
