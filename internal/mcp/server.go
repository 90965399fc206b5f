// Package mcp exposes read-only record tools to AI agents over the Model
// Context Protocol. Every call runs as one fixed user, through the same
// permission checks as the HTTP API.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/version"
)

// Server wraps an MCP server bound to one actor.
type Server struct {
	records *record.Service
	actor   audit.Actor
	mcp     *server.MCPServer
}

// NewServer creates an MCP server that acts as actor.
func NewServer(records *record.Service, actor audit.Actor) *Server {
	if actor.UserAgent == "" {
		actor.UserAgent = "toolforge-mcp"
	}
	s := &Server{records: records, actor: actor}

	s.mcp = server.NewMCPServer(
		"toolforge",
		version.Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools adds all tool definitions and their handlers to the MCP server.
func (s *Server) registerTools() {
	s.mcp.AddTool(listToolsTool, s.handleListTools)
	s.mcp.AddTool(describeToolTool, s.handleDescribeTool)
	s.mcp.AddTool(queryRecordsTool, s.handleQueryRecords)
	s.mcp.AddTool(getRecordTool, s.handleGetRecord)
	s.mcp.AddTool(recordHistoryTool, s.handleRecordHistory)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
