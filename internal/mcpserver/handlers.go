package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EnrichClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EnrichClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEnrichEntity runs the enrichment pipeline for an entity.
func (h *Handlers) HandleEnrichEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")
	if entityType == "" {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	value := req.GetString("value", "")
	if value == "" {
		return mcp.NewToolResultError("value is required"), nil
	}
	refresh := req.GetBool("refresh", false)

	raw, err := h.client.EnrichEntity(ctx, entityType, value, refresh)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Enrichment failed: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetEntityHistory returns prior enrichment records for an entity.
func (h *Handlers) HandleGetEntityHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")
	if entityType == "" {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	value := req.GetString("value", "")
	if value == "" {
		return mcp.NewToolResultError("value is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, entityType, value, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetBreakers returns provider circuit breaker states.
func (h *Handlers) HandleGetBreakers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBreakers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get breakers: %v", err)), nil
	}

	text, err := formatBreakers(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breakers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCacheStats returns cache statistics.
func (h *Handlers) HandleGetCacheStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetCacheStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get cache stats: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatAssessment(raw json.RawMessage) (string, error) {
	var resp struct {
		EntityType   string  `json:"entityType"`
		EntityValue  string  `json:"entityValue"`
		OverallScore float64 `json:"overallScore"`
		RiskLevel    string  `json:"riskLevel"`
		FromCache    bool    `json:"fromCache"`
		Factors      []struct {
			Factor       string  `json:"factor"`
			Weight       float64 `json:"weight"`
			Contribution float64 `json:"contribution"`
		} `json:"factors"`
		PerSource map[string]struct {
			Success   bool   `json:"success"`
			ErrorKind string `json:"errorKind"`
		} `json:"perSource"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk assessment for %s %s:\n", resp.EntityType, resp.EntityValue)
	fmt.Fprintf(&sb, "  Overall Score: %.2f / 100\n", resp.OverallScore)
	fmt.Fprintf(&sb, "  Risk Level: %s\n", resp.RiskLevel)
	if resp.FromCache {
		sb.WriteString("  Served from cache\n")
	}

	if len(resp.Factors) > 0 {
		sb.WriteString("\nContributing factors:\n")
		for _, f := range resp.Factors {
			fmt.Fprintf(&sb, "  %s: %.2f (weight %.2f)\n", f.Factor, f.Contribution, f.Weight)
		}
	}

	var failed []string
	for name, r := range resp.PerSource {
		if !r.Success {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, r.ErrorKind))
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "\nSources unavailable: %s\n", strings.Join(failed, ", "))
	}

	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Count   int `json:"count"`
		Records []struct {
			EntityType     string `json:"entityType"`
			EntityValue    string `json:"entityValue"`
			AggregatedRisk *struct {
				OverallScore float64 `json:"overallScore"`
				RiskLevel    string  `json:"riskLevel"`
				EvaluatedAt  string  `json:"evaluatedAt"`
			} `json:"aggregatedRisk"`
		} `json:"records"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if resp.Count == 0 {
		return "No enrichment history for this entity.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d record(s):\n\n", resp.Count)
	for i, r := range resp.Records {
		fmt.Fprintf(&sb, "%d. %s %s\n", i+1, r.EntityType, r.EntityValue)
		if r.AggregatedRisk != nil {
			fmt.Fprintf(&sb, "   Score: %.2f (%s) at %s\n",
				r.AggregatedRisk.OverallScore, r.AggregatedRisk.RiskLevel, r.AggregatedRisk.EvaluatedAt)
		}
	}
	return sb.String(), nil
}

func formatBreakers(raw json.RawMessage) (string, error) {
	var resp struct {
		Breakers []struct {
			Name    string `json:"name"`
			State   string `json:"state"`
			Metrics struct {
				TotalCalls  int64 `json:"totalCalls"`
				FailedCalls int64 `json:"failedCalls"`
				Timeouts    int64 `json:"timeouts"`
			} `json:"metrics"`
		} `json:"breakers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Breakers) == 0 {
		return "No providers registered.", nil
	}

	var sb strings.Builder
	sb.WriteString("Provider circuit breakers:\n")
	for _, b := range resp.Breakers {
		fmt.Fprintf(&sb, "  %s: %s (calls %d, failures %d, timeouts %d)\n",
			b.Name, b.State, b.Metrics.TotalCalls, b.Metrics.FailedCalls, b.Metrics.Timeouts)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
