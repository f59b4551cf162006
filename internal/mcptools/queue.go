package mcptools

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// QueuedChangesTool handles the queued_changes MCP tool.
type QueuedChangesTool struct {
	engine *ctxsync.Engine
}

// NewQueuedChangesTool creates a QueuedChangesTool.
func NewQueuedChangesTool(engine *ctxsync.Engine) *QueuedChangesTool {
	return &QueuedChangesTool{engine: engine}
}

// Definition returns the MCP tool definition for queued_changes.
func (t *QueuedChangesTool) Definition() mcp.Tool {
	return mcp.NewTool("queued_changes",
		mcp.WithDescription("List changes waiting for acknowledgement by a client, oldest first."),
		mcp.WithString("client_id",
			mcp.Required(),
			mcp.Description("Client UUID"),
		),
	)
}

// Handle processes the queued_changes tool call.
func (t *QueuedChangesTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID, err := uuid.Parse(req.GetString("client_id", ""))
	if err != nil {
		return mcp.NewToolResultError("'client_id' must be a UUID"), nil
	}

	return jsonResult(t.engine.GetQueuedChanges(clientID))
}
