package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/pkg/api"
)

func (c *Cli) newConflictsCommand() *cobra.Command {
	var projectID, state string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runConflicts(cmd.Context(), projectID, state)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id (default: all projects)")
	cmd.Flags().StringVarP(&state, "state", "s", api.ConflictStateActive, "active, resolved or audit")
	return cmd
}

func (c *Cli) runConflicts(ctx context.Context, projectID, state string) error {
	conflicts, err := c.apiClient.ListConflicts(ctx, projectID, state)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.printJSON(conflicts)
	}

	if len(conflicts) == 0 {
		c.io.Println("No conflicts found")
		return nil
	}

	c.io.Printf("=== %s conflicts (%d) ===\n", state, len(conflicts))
	for _, info := range conflicts {
		c.io.Printf("  %s  %-18s %s:%s  %s  %d changes\n",
			info.ConflictID,
			info.ConflictType,
			info.EntityType,
			info.EntityID,
			info.DetectedAt.Local().Format(time.DateTime),
			len(info.ConflictingChanges))
		if info.ResolutionStrategy != nil && info.ResolvedBy != nil {
			c.io.Printf("      resolved with %s by %s\n", *info.ResolutionStrategy, *info.ResolvedBy)
		}
	}
	return nil
}

func (c *Cli) newResolveCommand() *cobra.Command {
	var strategy, resolvedBy string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with an automatic strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := models.ConflictStrategy(strategy)
			if !s.Valid() || s == models.StrategyManualResolution {
				return fmt.Errorf("strategy must be %s, %s or %s",
					models.StrategyLastWriterWins, models.StrategyAutoMerge, models.StrategyReject)
			}

			result, err := c.apiClient.ResolveConflict(cmd.Context(), args[0], api.ResolveRequest{
				Strategy:   s,
				ResolvedBy: resolvedBy,
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(result)
			}

			c.io.Printf("✓ Conflict %s resolved with %s\n", args[0], result.StrategyUsed)
			if len(result.DiscardedChanges) > 0 {
				c.io.Printf("Discarded changes: %d\n", len(result.DiscardedChanges))
			}
			if result.ResolutionNotes != nil {
				c.io.Printf("Notes: %s\n", *result.ResolutionNotes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(models.StrategyLastWriterWins), "last_writer_wins, auto_merge or reject")
	cmd.Flags().StringVar(&resolvedBy, "by", "", "resolver name recorded with the resolution")
	return cmd
}
