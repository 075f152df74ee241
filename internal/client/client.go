// Package client is a thin HTTP client for the relevance server, shared by
// the MCP bridge and the relevancectl CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	var out models.IngestResponse
	return &out, c.do(ctx, http.MethodPost, "/records", req, &out)
}

func (c *Client) Retrieve(ctx context.Context, req *models.RetrieveRequest) (*models.RetrieveResponse, error) {
	var out models.RetrieveResponse
	return &out, c.do(ctx, http.MethodPost, "/retrieve", req, &out)
}

func (c *Client) GetRecord(ctx context.Context, id string) (*models.EmbeddedRecord, error) {
	var out models.EmbeddedRecord
	return &out, c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Compact(ctx context.Context) (*models.CompactResponse, error) {
	var out models.CompactResponse
	return &out, c.do(ctx, http.MethodPost, "/records/compact", nil, &out)
}

func (c *Client) Classify(ctx context.Context, req *models.ClassifyRequest) (*models.Classification, error) {
	var out models.Classification
	return &out, c.do(ctx, http.MethodPost, "/spam/classify", req, &out)
}

func (c *Client) ListPatterns(ctx context.Context, owner string, activeOnly bool) ([]*models.SpamPattern, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if activeOnly {
		q.Set("active_only", "true")
	}
	path := "/spam/patterns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*models.SpamPattern
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReportOutcome(ctx context.Context, patternID string, wasCorrect bool) (*models.SpamPattern, error) {
	var out models.SpamPattern
	return &out, c.do(ctx, http.MethodPost, "/spam/patterns/"+url.PathEscape(patternID)+"/outcome",
		models.ReportOutcomeRequest{WasCorrect: wasCorrect}, &out)
}

func (c *Client) SetPatternActive(ctx context.Context, patternID string, active bool) (*models.SpamPattern, error) {
	var out models.SpamPattern
	return &out, c.do(ctx, http.MethodPost, "/spam/patterns/"+url.PathEscape(patternID)+"/active",
		models.SetActiveRequest{Active: active}, &out)
}

func (c *Client) SyncCatalog(ctx context.Context, dirs []string) (*models.CatalogSyncResponse, error) {
	var body any
	if len(dirs) > 0 {
		body = map[string][]string{"dirs": dirs}
	}
	var out models.CatalogSyncResponse
	return &out, c.do(ctx, http.MethodPost, "/spam/catalog/sync", body, &out)
}

func (c *Client) MergeContext(ctx context.Context, conversationID string, sig *models.Signal) (*models.ConversationContext, error) {
	var out models.ConversationContext
	return &out, c.do(ctx, http.MethodPost, "/contexts/"+url.PathEscape(conversationID)+"/merge", sig, &out)
}

func (c *Client) CloseContext(ctx context.Context, conversationID string, req *models.CloseContextRequest) (*models.ConversationContext, error) {
	var out models.ConversationContext
	return &out, c.do(ctx, http.MethodPost, "/contexts/"+url.PathEscape(conversationID)+"/close", req, &out)
}

func (c *Client) GetContext(ctx context.Context, ownerID, conversationID string) (*models.ConversationContext, error) {
	var out models.ConversationContext
	path := "/contexts/" + url.PathEscape(conversationID) + "?owner=" + url.QueryEscape(ownerID)
	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// do sends body as JSON and decodes the response into out. Retrieve
// responses flagged degraded still arrive as 200 and decode normally.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
