package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// toolSummary is the compact form list_tools returns.
type toolSummary struct {
	ToolID      string   `json:"toolId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Fields      []string `json:"fields"`
}

func (s *Server) handleListTools(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools, err := s.records.Tools(ctx, s.actor)
	if err != nil {
		return errorResult(err), nil
	}
	if len(tools) == 0 {
		return mcp.NewToolResultText("No published tools are accessible to this user."), nil
	}

	out := make([]toolSummary, 0, len(tools))
	for _, ts := range tools {
		view, err := s.records.Tool(ctx, s.actor, ts.ToolID)
		if err != nil {
			return errorResult(err), nil
		}
		out = append(out, toolSummary{
			ToolID:      ts.ToolID,
			Name:        ts.Name,
			Description: ts.Description,
			Fields:      view.ViewableFields,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleDescribeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := request.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: tool_id"), nil
	}
	view, err := s.records.Tool(ctx, s.actor, toolID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleQueryRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := request.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: tool_id"), nil
	}

	opts := record.QueryOptions{
		Search:   strings.TrimSpace(request.GetString("search", "")),
		Page:     request.GetInt("page", 0),
		PageSize: request.GetInt("page_size", 0),
	}
	if opts.Page < 0 || opts.PageSize < 0 {
		return mcp.NewToolResultError("page and page_size must be positive"), nil
	}
	if raw := request.GetString("filters", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Filters); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("filters must be a JSON array of {field, operator, value}: %v", err)), nil
		}
	}
	if field := request.GetString("sort", ""); field != "" {
		opts.Sort = &schema.SortSpec{Field: field, Direction: request.GetString("sort_dir", schema.SortAsc)}
	}

	page, err := s.records.Query(ctx, s.actor, toolID, opts)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(page)
}

func (s *Server) handleGetRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, recordID, res := toolAndRecord(request)
	if res != nil {
		return res, nil
	}
	rec, err := s.records.Get(ctx, s.actor, toolID, recordID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleRecordHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, recordID, res := toolAndRecord(request)
	if res != nil {
		return res, nil
	}
	entries, err := s.records.RecordHistory(ctx, s.actor, toolID, recordID)
	if err != nil {
		return errorResult(err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No audit entries for this record."), nil
	}
	return jsonResult(entries)
}

func toolAndRecord(request mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	toolID, err := request.RequireString("tool_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("missing required parameter: tool_id")
	}
	recordID, err := request.RequireString("record_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("missing required parameter: record_id")
	}
	return toolID, recordID, nil
}

// errorResult reports err to the agent without internal details.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(record.PublicMessage(err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
