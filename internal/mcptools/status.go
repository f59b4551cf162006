package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// SyncStatusTool handles the sync_status MCP tool.
type SyncStatusTool struct {
	engine *ctxsync.Engine
}

// NewSyncStatusTool creates a SyncStatusTool.
func NewSyncStatusTool(engine *ctxsync.Engine) *SyncStatusTool {
	return &SyncStatusTool{engine: engine}
}

// Definition returns the MCP tool definition for sync_status.
func (t *SyncStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("sync_status",
		mcp.WithDescription("Show connected clients, pending deliveries and sync health of a project."),
		mcp.WithString("project_id",
			mcp.Required(),
			mcp.Description("Project to report on"),
		),
	)
}

// Handle processes the sync_status tool call.
func (t *SyncStatusTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}

	status := t.engine.GetSyncStatus(projectID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Sync status: %s\n\n", status.ProjectID)
	fmt.Fprintf(&sb, "- **Health**: %s\n", status.SyncHealth)
	fmt.Fprintf(&sb, "- **Connected clients**: %d\n", status.ConnectedClients)
	fmt.Fprintf(&sb, "- **Pending changes**: %d\n", status.PendingChanges)
	if status.LastSync != nil {
		fmt.Fprintf(&sb, "- **Last sync**: %s\n", status.LastSync.Format("2006-01-02T15:04:05Z07:00"))
	} else {
		sb.WriteString("- **Last sync**: never\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}
