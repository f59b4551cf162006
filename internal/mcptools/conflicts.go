package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/models"
)

// ListConflictsTool handles the list_conflicts MCP tool.
type ListConflictsTool struct {
	engine *conflict.Engine
}

// NewListConflictsTool creates a ListConflictsTool.
func NewListConflictsTool(engine *conflict.Engine) *ListConflictsTool {
	return &ListConflictsTool{engine: engine}
}

// Definition returns the MCP tool definition for list_conflicts.
func (t *ListConflictsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_conflicts",
		mcp.WithDescription("List detected conflicts between concurrent entity changes."),
		mcp.WithString("project_id",
			mcp.Description("Project to filter by; empty lists every project"),
		),
		mcp.WithString("state",
			mcp.Description("active (default) or resolved"),
			mcp.Enum("active", "resolved"),
		),
	)
}

// Handle processes the list_conflicts tool call.
func (t *ListConflictsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")

	var conflicts []*models.ConflictInfo
	switch state := req.GetString("state", "active"); state {
	case "active":
		conflicts = t.engine.GetActiveConflicts(projectID)
	case "resolved":
		conflicts = t.engine.GetResolvedConflicts(projectID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown state %q", state)), nil
	}

	if len(conflicts) == 0 {
		return mcp.NewToolResultText("No conflicts found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d conflicts:\n\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(&sb, "- `%s` %s on %s:%s (project %s, %d changes)",
			c.ConflictID, c.ConflictType, c.EntityType, c.EntityID, c.ProjectID, len(c.ConflictingChanges))
		if c.ResolutionStrategy != nil {
			fmt.Fprintf(&sb, " resolved with %s", *c.ResolutionStrategy)
		}
		sb.WriteString("\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// ResolveConflictTool handles the resolve_conflict MCP tool.
type ResolveConflictTool struct {
	engine *conflict.Engine
}

// NewResolveConflictTool creates a ResolveConflictTool.
func NewResolveConflictTool(engine *conflict.Engine) *ResolveConflictTool {
	return &ResolveConflictTool{engine: engine}
}

// Definition returns the MCP tool definition for resolve_conflict.
func (t *ResolveConflictTool) Definition() mcp.Tool {
	return mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Resolve an active conflict with an automatic strategy."),
		mcp.WithString("conflict_id",
			mcp.Required(),
			mcp.Description("Conflict to resolve"),
		),
		mcp.WithString("strategy",
			mcp.Required(),
			mcp.Description("Resolution strategy"),
			mcp.Enum(
				string(models.StrategyLastWriterWins),
				string(models.StrategyAutoMerge),
				string(models.StrategyReject),
			),
		),
		mcp.WithString("resolved_by",
			mcp.Description("Who resolves the conflict"),
		),
	)
}

// Handle processes the resolve_conflict tool call.
func (t *ResolveConflictTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conflictID := req.GetString("conflict_id", "")
	if conflictID == "" {
		return mcp.NewToolResultError("'conflict_id' is required"), nil
	}
	strategy := models.ConflictStrategy(req.GetString("strategy", ""))
	resolvedBy := req.GetString("resolved_by", "mcp")

	result, err := t.engine.ResolveConflict(ctx, conflictID, strategy, resolvedBy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve conflict: %v", err)), nil
	}

	return jsonResult(result)
}
