package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/ctxsync/internal/models"
)

func (c *Cli) newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Apply and acknowledge the changes queued for this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			clientID, err := c.clientID()
			if err != nil {
				return err
			}

			result, err := c.syncService.CatchUp(cmd.Context(), clientID)
			if err != nil {
				return fmt.Errorf("synchronization failed: %w", err)
			}

			if c.jsonOutput {
				return c.printJSON(result)
			}
			c.io.Println("✓ Synchronization completed successfully!")
			c.io.Printf("Received:   %d changes\n", result.Received)
			c.io.Printf("Applied:    %d changes\n", result.Applied)
			if result.Duplicates > 0 {
				c.io.Printf("Duplicates: %d changes\n", result.Duplicates)
			}
			return nil
		},
	}
}

// filterFlags build a single subscription filter
type filterFlags struct {
	projects     []string
	entityTypes  []string
	featureAreas []string
	changeTypes  []string
}

func (f filterFlags) filters() ([]models.SyncFilters, error) {
	var filter models.SyncFilters
	set := false

	if len(f.projects) > 0 {
		filter.ProjectIDs, set = f.projects, true
	}
	if len(f.entityTypes) > 0 {
		filter.EntityTypes, set = f.entityTypes, true
	}
	if len(f.featureAreas) > 0 {
		filter.FeatureAreas, set = f.featureAreas, true
	}
	for _, ct := range f.changeTypes {
		t := models.ChangeType(ct)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown change type %q", ct)
		}
		filter.ChangeTypes, set = append(filter.ChangeTypes, t), true
	}

	if !set {
		return nil, nil
	}
	return []models.SyncFilters{filter}, nil
}

func (c *Cli) newWatchCommand() *cobra.Command {
	var (
		f      filterFlags
		noPull bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live changes into the local replica",
		Long: `Stream live changes into the local replica until interrupted.
The queue is pulled first unless --no-pull is set. The connection is
re-established automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			clientID, err := c.clientID()
			if err != nil {
				return err
			}
			filters, err := f.filters()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if !noPull {
				if _, err := c.syncService.CatchUp(ctx, clientID); err != nil {
					return fmt.Errorf("initial pull failed: %w", err)
				}
			}

			if !c.jsonOutput {
				c.io.Printf("Watching changes as %s (Ctrl+C to stop)\n", clientID)
			}
			return c.syncService.Watch(ctx, clientID, filters, c.printChange)
		},
	}
	cmd.Flags().StringSliceVarP(&f.projects, "project", "p", nil, "only these projects")
	cmd.Flags().StringSliceVarP(&f.entityTypes, "type", "t", nil, "only these entity types")
	cmd.Flags().StringSliceVar(&f.featureAreas, "feature", nil, "only these feature areas")
	cmd.Flags().StringSliceVar(&f.changeTypes, "change", nil, "only these change types (create, update, delete, bulk)")
	cmd.Flags().BoolVar(&noPull, "no-pull", false, "skip the initial pull of the queue")
	return cmd
}

// printChange prints one change per line, JSON lines when output is JSON
func (c *Cli) printChange(change models.ContextChange) {
	if c.jsonOutput {
		_ = c.printCompactJSON(change)
		return
	}
	c.io.Printf("%s  %-7s %-40s v%-4d %s\n",
		change.Metadata.Timestamp.Local().Format(time.TimeOnly),
		change.ChangeType,
		change.EntityKey(),
		change.Metadata.Version,
		change.ProjectID)
}

func (c *Cli) newQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the changes the server holds for this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runQueue(cmd.Context())
		},
	}
}

func (c *Cli) runQueue(ctx context.Context) error {
	clientID, err := c.clientID()
	if err != nil {
		return err
	}

	changes, err := c.apiClient.QueuedChanges(ctx, clientID)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.printJSON(changes)
	}

	if len(changes) == 0 {
		c.io.Println("Queue is empty")
		return nil
	}
	c.io.Printf("%d queued changes:\n", len(changes))
	for _, change := range changes {
		c.io.Printf("  %s  %-7s %s v%d\n", change.ChangeID, change.ChangeType, change.EntityKey(), change.Metadata.Version)
	}
	return nil
}

func (c *Cli) newAckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <change-id>...",
		Short: "Acknowledge queued changes without applying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := c.clientID()
			if err != nil {
				return err
			}

			for _, arg := range args {
				changeID, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid change id %q: %w", arg, err)
				}
				if err := c.apiClient.Ack(cmd.Context(), clientID, changeID); err != nil {
					return err
				}
				c.io.Printf("✓ Acknowledged %s\n", changeID)
			}
			return nil
		},
	}
}
