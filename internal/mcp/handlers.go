package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// API is the subset of the HTTP client the tools call.
type API interface {
	Retrieve(ctx context.Context, req *models.RetrieveRequest) (*models.RetrieveResponse, error)
	Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error)
	Classify(ctx context.Context, req *models.ClassifyRequest) (*models.Classification, error)
	ReportOutcome(ctx context.Context, patternID string, wasCorrect bool) (*models.SpamPattern, error)
	MergeContext(ctx context.Context, conversationID string, sig *models.Signal) (*models.ConversationContext, error)
	CloseContext(ctx context.Context, conversationID string, req *models.CloseContextRequest) (*models.ConversationContext, error)
	GetContext(ctx context.Context, ownerID, conversationID string) (*models.ConversationContext, error)
}

type Handlers struct {
	api API
}

func (h *Handlers) Retrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := request.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError("owner argument is required"), nil
	}
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required"), nil
	}

	req := &models.RetrieveRequest{
		OwnerID: owner,
		Query:   query,
		K:       int(request.GetFloat("k", 5)),
		Filter:  request.GetString("filter", ""),
	}
	for _, k := range request.GetStringSlice("kinds", nil) {
		req.Kinds = append(req.Kinds, models.SourceKind(k))
	}
	return result(h.api.Retrieve(ctx, req))
}

func (h *Handlers) Ingest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := &models.IngestRequest{
		OwnerID:    request.GetString("owner", ""),
		SourceKind: models.SourceKind(request.GetString("kind", "")),
		SourceRef:  request.GetString("sourceRef", ""),
		Content:    request.GetString("content", ""),
	}
	if req.OwnerID == "" || req.Content == "" {
		return mcp.NewToolResultError("owner and content arguments are required"), nil
	}
	return result(h.api.Ingest(ctx, req))
}

func (h *Handlers) Classify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content argument is required"), nil
	}
	return result(h.api.Classify(ctx, &models.ClassifyRequest{
		OwnerID: request.GetString("owner", ""),
		Content: content,
		Sender:  request.GetString("sender", ""),
	}))
}

func (h *Handlers) ReportOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("patternId")
	if err != nil {
		return mcp.NewToolResultError("patternId argument is required"), nil
	}
	correct, err := request.RequireBool("wasCorrect")
	if err != nil {
		return mcp.NewToolResultError("wasCorrect argument is required"), nil
	}
	return result(h.api.ReportOutcome(ctx, id, correct))
}

func (h *Handlers) MergeContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID, err := request.RequireString("conversationId")
	if err != nil {
		return mcp.NewToolResultError("conversationId argument is required"), nil
	}

	sig := &models.Signal{
		OwnerID:    request.GetString("owner", ""),
		Kind:       models.ContextKind(request.GetString("kind", "")),
		Entities:   request.GetStringSlice("entities", nil),
		Confidence: request.GetFloat("confidence", 0.5),
		Summary:    request.GetString("summary", ""),
	}
	args := request.GetArguments()
	if _, ok := args["sentiment"]; ok {
		v := request.GetFloat("sentiment", 0)
		sig.Sentiment = &v
	}
	if _, ok := args["urgency"]; ok {
		v := request.GetFloat("urgency", 0)
		sig.Urgency = &v
	}
	return result(h.api.MergeContext(ctx, convID, sig))
}

func (h *Handlers) GetContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID, err := request.RequireString("conversationId")
	if err != nil {
		return mcp.NewToolResultError("conversationId argument is required"), nil
	}
	return result(h.api.GetContext(ctx, request.GetString("owner", ""), convID))
}

func (h *Handlers) CloseContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID, err := request.RequireString("conversationId")
	if err != nil {
		return mcp.NewToolResultError("conversationId argument is required"), nil
	}
	return result(h.api.CloseContext(ctx, convID, &models.CloseContextRequest{
		OwnerID: request.GetString("owner", ""),
		Archive: request.GetBool("archive", true),
	}))
}

// result renders v as JSON text, or err as a tool error. Tool failures are
// reported in the result so the agent can read them.
func result(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
