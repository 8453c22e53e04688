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
	client *PrivgateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PrivgateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckAccess evaluates an access request end to end.
func (h *Handlers) HandleCheckAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject := req.GetString("subject", "")
	if subject == "" {
		return mcp.NewToolResultError("subject is required"), nil
	}
	source := req.GetString("source_service", "")
	if source == "" {
		return mcp.NewToolResultError("source_service is required"), nil
	}
	dest := req.GetString("destination_service", "")
	if dest == "" {
		return mcp.NewToolResultError("destination_service is required"), nil
	}

	access := map[string]any{
		"subject":            subject,
		"sourceService":      source,
		"destinationService": dest,
		"resource":           req.GetString("resource", ""),
		"operation":          req.GetString("operation", "read"),
		"device": map[string]any{
			"trustScore": req.GetInt("device_trust", 50),
			"compliance": "unknown",
		},
		"context": map[string]any{
			"networkType": req.GetString("network_type", "unknown"),
		},
	}

	body := map[string]any{"access": access}
	if purposes := splitList(req.GetString("purposes", "")); len(purposes) > 0 {
		body["purposes"] = purposes
	}

	raw, err := h.client.EvaluateAccess(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunPrivateQuery runs a differentially private analytics query.
func (h *Handlers) HandleRunPrivateQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entity := req.GetString("entity", "")
	if entity == "" {
		return mcp.NewToolResultError("entity is required"), nil
	}
	queryType := req.GetString("query_type", "")
	if queryType == "" {
		return mcp.NewToolResultError("query_type is required"), nil
	}
	epsilon := req.GetFloat("epsilon", 0)
	if epsilon <= 0 {
		return mcp.NewToolResultError("epsilon must be positive"), nil
	}

	values, err := extractFloats(req.GetArguments()["values"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid values: %v", err)), nil
	}
	if len(values) == 0 {
		return mcp.NewToolResultError("values is required"), nil
	}

	query := map[string]any{
		"entity":  entity,
		"type":    queryType,
		"epsilon": epsilon,
		"values":  values,
	}
	if delta := req.GetFloat("delta", 0); delta > 0 {
		query["delta"] = delta
	}
	if size := req.GetInt("dataset_size", 0); size > 0 {
		query["dataset_size"] = size
	}

	raw, err := h.client.RunQuery(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "429") {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Query denied: the daily privacy budget for %q is exhausted.\n\n"+
					"No result was released. Use budget_status to see when the budget resets, "+
					"or retry with a smaller epsilon tomorrow.", entity)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Query failed: %v", err)), nil
	}

	text, err := formatQueryResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetConsent looks up a subject's consent record.
func (h *Handlers) HandleGetConsent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject := req.GetString("subject", "")
	if subject == "" {
		return mcp.NewToolResultError("subject is required"), nil
	}

	raw, err := h.client.GetConsent(ctx, subject)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get consent: %v", err)), nil
	}

	text, err := formatConsent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse consent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleUpdateConsent replaces a subject's granted purposes.
func (h *Handlers) HandleUpdateConsent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject := req.GetString("subject", "")
	if subject == "" {
		return mcp.NewToolResultError("subject is required"), nil
	}
	if _, ok := req.GetArguments()["purposes"]; !ok {
		return mcp.NewToolResultError("purposes is required"), nil
	}
	purposes := splitList(req.GetString("purposes", ""))

	raw, err := h.client.UpdateConsent(ctx, subject, purposes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update consent: %v", err)), nil
	}

	text, err := formatConsent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse consent: %v", err)), nil
	}
	if len(purposes) == 0 {
		text = "All consent revoked.\n\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBudgetStatus returns the privacy budget state for an entity.
func (h *Handlers) HandleBudgetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entity := req.GetString("entity", "")
	if entity == "" {
		return mcp.NewToolResultError("entity is required"), nil
	}

	raw, err := h.client.GetBudget(ctx, entity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get budget: %v", err)), nil
	}

	text, err := formatBudget(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse budget: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEngineStats returns engine operational statistics.
func (h *Handlers) HandleEngineStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatDecision(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	if allowed, ok := m["allowed"].(bool); ok && allowed {
		sb.WriteString("Access ALLOWED")
	} else {
		sb.WriteString("Access DENIED")
	}
	if id := getString(m, "request_id"); id != "" {
		fmt.Fprintf(&sb, " (request %s)", id)
	}
	sb.WriteString("\n")

	if reason := getString(m, "reason_code"); reason != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", reason)
	}
	if dec, ok := m["decision"].(map[string]any); ok {
		if v := getString(dec, "verdict"); v != "" {
			fmt.Fprintf(&sb, "  Verdict: %s\n", v)
		}
		if r := getString(dec, "reason"); r != "" {
			fmt.Fprintf(&sb, "  Policy: %s\n", r)
		}
		if risk, ok := getFloat(dec, "riskScore"); ok {
			fmt.Fprintf(&sb, "  Risk score: %.0f/100\n", risk)
		}
		if conds, ok := dec["conditions"].([]any); ok && len(conds) > 0 {
			parts := make([]string, 0, len(conds))
			for _, c := range conds {
				if s, ok := c.(string); ok {
					parts = append(parts, s)
				}
			}
			fmt.Fprintf(&sb, "  Conditions: %s\n", strings.Join(parts, ", "))
		}
	}
	if elapsed, ok := getFloat(m, "elapsed_ms"); ok {
		fmt.Fprintf(&sb, "  Decided in %.2fms\n", elapsed)
	}
	return sb.String(), nil
}

func formatQueryResult(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Private query result:\n")
	if vals, ok := m["values"].([]any); ok {
		parts := make([]string, 0, len(vals))
		for _, v := range vals {
			if f, ok := v.(float64); ok {
				parts = append(parts, fmt.Sprintf("%.2f", f))
			}
		}
		fmt.Fprintf(&sb, "  Values: [%s]\n", strings.Join(parts, ", "))
	}
	if mech := getString(m, "mechanism"); mech != "" {
		fmt.Fprintf(&sb, "  Mechanism: %s\n", mech)
	}
	if g := getString(m, "guarantee"); g != "" {
		fmt.Fprintf(&sb, "  Guarantee: %s\n", g)
	}
	if rem, ok := getFloat(m, "remaining"); ok {
		fmt.Fprintf(&sb, "  Remaining budget: %.4f epsilon\n", rem)
	}
	if warn, ok := m["warning"].(bool); ok && warn {
		sb.WriteString("\nWarning: this entity has used over 80% of its daily privacy budget.\n")
	}
	return sb.String(), nil
}

func formatConsent(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Consent record:\n")
	if v := getString(m, "subject"); v != "" {
		fmt.Fprintf(&sb, "  Subject: %s\n", v)
	}
	if purposes, ok := m["purposes"].([]any); ok {
		if len(purposes) == 0 {
			sb.WriteString("  Granted purposes: none\n")
		} else {
			parts := make([]string, 0, len(purposes))
			for _, p := range purposes {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			fmt.Fprintf(&sb, "  Granted purposes: %s\n", strings.Join(parts, ", "))
		}
	}
	if v, ok := getFloat(m, "version"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Version: %.0f\n", v)
	}
	if v := getString(m, "updatedAt"); v != "" {
		fmt.Fprintf(&sb, "  Updated: %s\n", v)
	}
	return sb.String(), nil
}

func formatBudget(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Privacy budget:\n")
	if v := getString(m, "entity"); v != "" {
		fmt.Fprintf(&sb, "  Entity: %s\n", v)
	}
	spent, _ := getFloat(m, "epsilon")
	threshold, hasThreshold := getFloat(m, "threshold")
	if hasThreshold {
		fmt.Fprintf(&sb, "  Spent: %.4f / %.2f epsilon\n", spent, threshold)
	} else {
		fmt.Fprintf(&sb, "  Spent: %.4f epsilon\n", spent)
	}
	if rem, ok := getFloat(m, "remaining"); ok {
		fmt.Fprintf(&sb, "  Remaining: %.4f epsilon\n", rem)
	}
	if q, ok := getFloat(m, "queries"); ok {
		fmt.Fprintf(&sb, "  Queries today: %.0f\n", q)
	}
	if v := getString(m, "reset_at"); v != "" {
		fmt.Fprintf(&sb, "  Resets: %s\n", v)
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

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// extractFloats converts a JSON array argument into a []float64.
func extractFloats(raw any) ([]float64, error) {
	if raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", raw)
	}
	out := make([]float64, 0, len(arr))
	for i, v := range arr {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out = append(out, f)
	}
	return out, nil
}

// getString extracts a string value from a map.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
