// Package mcptools exposes sync and conflict state as MCP tools.
//
// Each tool follows the same pattern:
// - A struct with its dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
package mcptools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/iudanet/ctxsync/internal/conflict"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// ServerName is reported to MCP clients
const ServerName = "ctxsync"

// NewServer builds an MCP server with every tool registered.
func NewServer(version string, engine *ctxsync.Engine, conflicts *conflict.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	status := NewSyncStatusTool(engine)
	s.AddTool(status.Definition(), status.Handle)

	queued := NewQueuedChangesTool(engine)
	s.AddTool(queued.Definition(), queued.Handle)

	list := NewListConflictsTool(conflicts)
	s.AddTool(list.Definition(), list.Handle)

	resolve := NewResolveConflictTool(conflicts)
	s.AddTool(resolve.Definition(), resolve.Handle)

	return s
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
