package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// NewServer builds an MCP stdio server whose tools delegate to the
// relevance HTTP API.
func NewServer(api API, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("relevance", version, mcpserver.WithToolCapabilities(false))
	RegisterTools(s, api)
	return s
}

// RegisterTools adds the relevance tools to s.
func RegisterTools(s *mcpserver.MCPServer, api API) *Handlers {
	h := &Handlers{api: api}

	s.AddTool(mcp.Tool{
		Name: "relevance_retrieve",
		Description: "Return the top-k records most relevant to a query for one owner. " +
			"Ranking combines similarity, freshness, usage and learned relevance; " +
			"returned records are counted as used.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"owner": map[string]any{"type": "string", "description": "Owner (tenant) id"},
				"query": map[string]any{"type": "string", "description": "Natural language query"},
				"k":     map[string]any{"type": "number", "description": "Maximum results (default 5)", "default": 5},
				"kinds": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string", "enum": []string{"document", "policy", "conversation_history"}},
					"description": "Restrict to these source kinds",
				},
				"filter": map[string]any{"type": "string", "description": "Optional CEL filter over metadata"},
			},
			Required: []string{"owner", "query"},
		},
	}, h.Retrieve)

	s.AddTool(mcp.Tool{
		Name:        "relevance_ingest",
		Description: "Store or replace a knowledge record. Re-ingesting the same source reference keeps its learned relevance.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"owner":     map[string]any{"type": "string", "description": "Owner (tenant) id"},
				"kind":      map[string]any{"type": "string", "enum": []string{"document", "policy", "conversation_history"}},
				"sourceRef": map[string]any{"type": "string", "description": "Stable reference to the source item"},
				"content":   map[string]any{"type": "string", "description": "Record text"},
			},
			Required: []string{"owner", "kind", "sourceRef", "content"},
		},
	}, h.Ingest)

	s.AddTool(mcp.Tool{
		Name:        "spam_classify",
		Description: "Check a message against the owner's and global spam patterns.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"owner":   map[string]any{"type": "string", "description": "Owner (tenant) id"},
				"content": map[string]any{"type": "string", "description": "Message text"},
				"sender":  map[string]any{"type": "string", "description": "Originating phone number, if known"},
			},
			Required: []string{"owner", "content"},
		},
	}, h.Classify)

	s.AddTool(mcp.Tool{
		Name:        "spam_report_outcome",
		Description: "Report whether a spam verdict from a pattern was correct. Updates the pattern's accuracy.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"patternId":  map[string]any{"type": "string", "description": "Pattern that matched"},
				"wasCorrect": map[string]any{"type": "boolean", "description": "True if the message really was spam"},
			},
			Required: []string{"patternId", "wasCorrect"},
		},
	}, h.ReportOutcome)

	s.AddTool(mcp.Tool{
		Name:        "context_merge",
		Description: "Merge a signal (entities, sentiment, urgency, summary) into a live conversation context.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"conversationId": map[string]any{"type": "string"},
				"owner":          map[string]any{"type": "string", "description": "Owner (tenant) id"},
				"kind":           map[string]any{"type": "string", "enum": []string{"call", "message_thread", "mixed"}},
				"entities":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"sentiment":      map[string]any{"type": "number", "description": "-1 to 1"},
				"urgency":        map[string]any{"type": "number", "description": "0 to 1"},
				"confidence":     map[string]any{"type": "number", "description": "0 to 1 (default 0.5)", "default": 0.5},
				"summary":        map[string]any{"type": "string"},
			},
			Required: []string{"conversationId", "owner"},
		},
	}, h.MergeContext)

	s.AddTool(mcp.Tool{
		Name:        "context_get",
		Description: "Fetch the current state of a conversation context.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"conversationId": map[string]any{"type": "string"},
				"owner":          map[string]any{"type": "string"},
			},
			Required: []string{"conversationId", "owner"},
		},
	}, h.GetContext)

	s.AddTool(mcp.Tool{
		Name:        "context_close",
		Description: "Close a conversation context, optionally archiving it as a retrievable conversation_history record.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"conversationId": map[string]any{"type": "string"},
				"owner":          map[string]any{"type": "string"},
				"archive":        map[string]any{"type": "boolean", "default": true},
			},
			Required: []string{"conversationId", "owner"},
		},
	}, h.CloseContext)

	return h
}
