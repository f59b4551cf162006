package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	httpClient "github.com/iudanet/ctxsync/internal/client/api"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/pkg/api"
)

// writeFlags are the flags shared by put and delete
type writeFlags struct {
	projectID   string
	featureArea string
	data        string
	baseVersion uint32
}

func (c *Cli) newPutCommand() *cobra.Command {
	var f writeFlags
	cmd := &cobra.Command{
		Use:   "put <type> <id>",
		Short: "Create an entity, or update it when --base-version is set",
		Long: `Create an entity, or update it when --base-version is set.
--data takes inline JSON, @file or - for stdin.`,
		Example: `  ctxsync put task t1 -p web --data '{"title":"ship it"}'
  ctxsync put task t1 -p web --base-version 1 --data @task.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPut(cmd.Context(), args[0], args[1], f)
		},
	}
	cmd.Flags().StringVarP(&f.projectID, "project", "p", "", "project id (required)")
	cmd.Flags().StringVar(&f.featureArea, "feature", "", "feature area")
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "entity JSON, @file or - (required)")
	cmd.Flags().Uint32Var(&f.baseVersion, "base-version", 0, "version the update is based on")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (c *Cli) runPut(ctx context.Context, entityType, entityID string, f writeFlags) error {
	req, err := c.entityRequest(entityType, entityID, f)
	if err != nil {
		return err
	}

	data, err := readData(f.data)
	if err != nil {
		return err
	}
	req.Data = data

	var resp *api.WriteResponse
	if f.baseVersion == 0 {
		resp, err = c.apiClient.CreateEntity(ctx, req)
	} else {
		resp, err = c.apiClient.UpdateEntity(ctx, req)
	}
	if err != nil {
		return c.writeError(err)
	}
	return c.printWrite(resp)
}

func (c *Cli) newDeleteCommand() *cobra.Command {
	var f writeFlags
	cmd := &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.entityRequest(args[0], args[1], f)
			if err != nil {
				return err
			}
			resp, err := c.apiClient.DeleteEntity(cmd.Context(), req)
			if err != nil {
				return c.writeError(err)
			}
			return c.printWrite(resp)
		},
	}
	cmd.Flags().StringVarP(&f.projectID, "project", "p", "", "project id (required)")
	cmd.Flags().Uint32Var(&f.baseVersion, "base-version", 0, "version the delete is based on (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("base-version")
	return cmd
}

func (c *Cli) entityRequest(entityType, entityID string, f writeFlags) (api.EntityRequest, error) {
	clientID, err := c.clientID()
	if err != nil {
		return api.EntityRequest{}, err
	}
	return api.EntityRequest{
		Timestamp:   time.Now().UTC(),
		EntityType:  entityType,
		EntityID:    entityID,
		ProjectID:   f.projectID,
		FeatureArea: f.featureArea,
		ClientID:    clientID,
		BaseVersion: f.baseVersion,
	}, nil
}

// writeError adds the conflict id to a rejected write
func (c *Cli) writeError(err error) error {
	var apiErr *httpClient.Error
	if errors.As(err, &apiErr) && apiErr.Conflict != nil {
		if c.jsonOutput {
			_ = c.printJSON(apiErr.Conflict)
		}
		return fmt.Errorf("%w\nconflict %s (%s); resolve it with 'ctxsync resolve %s'",
			err, apiErr.Conflict.ConflictID, apiErr.Conflict.ConflictType, apiErr.Conflict.ConflictID)
	}
	return err
}

func (c *Cli) printWrite(resp *api.WriteResponse) error {
	if c.jsonOutput {
		return c.printJSON(resp)
	}

	if resp.Change == nil {
		c.io.Println("No changes")
	} else {
		c.io.Printf("✓ %s %s (change %s)\n", resp.Change.ChangeType, resp.Change.EntityKey(), resp.Change.ChangeID)
	}
	if resp.Entity != nil {
		c.io.Printf("Version: %d\n", resp.Entity.Version)
	}
	if resp.Conflict != nil {
		c.io.Printf("Conflict %s auto-resolved (%s)\n", resp.Conflict.ConflictID, resp.Conflict.ConflictType)
	}
	return nil
}

func (c *Cli) newGetCommand() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				entity, err := c.replica.GetEntity(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.printJSON(entity)
			}

			entity, err := c.apiClient.GetEntity(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.printJSON(entity)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read the local replica instead of the server")
	return cmd
}

func (c *Cli) newListCommand() *cobra.Command {
	var (
		projectID  string
		entityType string
		local      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if local {
				return c.runListLocal(cmd.Context(), projectID, entityType)
			}
			if projectID == "" {
				return errors.New("--project is required unless --local is set")
			}
			return c.runList(cmd.Context(), projectID, entityType)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type")
	cmd.Flags().BoolVar(&local, "local", false, "list the local replica instead of the server")
	return cmd
}

func (c *Cli) runList(ctx context.Context, projectID, entityType string) error {
	entities, err := c.apiClient.ListEntities(ctx, projectID, entityType)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.printJSON(entities)
	}

	if len(entities) == 0 {
		c.io.Println("No entities found")
		return nil
	}
	c.io.Printf("=== %s (%d) ===\n", projectID, len(entities))
	for _, e := range entities {
		c.io.Printf("  %-40s v%-4d %s\n", e.Key(), e.Version, e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func (c *Cli) runListLocal(ctx context.Context, projectID, entityType string) error {
	entities, err := c.replica.ListEntities(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list local entities: %w", err)
	}

	if entityType != "" {
		filtered := entities[:0]
		for _, e := range entities {
			if e.EntityType == entityType {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	if c.jsonOutput {
		return c.printJSON(entities)
	}

	if len(entities) == 0 {
		c.io.Println("No local entities")
		return nil
	}
	for _, e := range entities {
		state := ""
		if e.Deleted {
			state = " (deleted)"
		}
		c.io.Printf("  %-40s v%-4d %s%s\n", models.EntityKey(e.EntityType, e.EntityID), e.Version, e.ProjectID, state)
	}
	return nil
}

func (c *Cli) newBulkCommand() *cobra.Command {
	var (
		projectID   string
		featureArea string
		file        string
	)
	cmd := &cobra.Command{
		Use:   "bulk <type>",
		Short: "Upsert many entities of one type from a JSON file",
		Long: `Upsert many entities of one type. The file holds a JSON array of
{"entity_id": "...", "data": {...}} items.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := c.clientID()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read items: %w", err)
			}
			var items []api.BulkItem
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("failed to parse items: %w", err)
			}

			resp, err := c.apiClient.BulkUpsert(cmd.Context(), api.BulkRequest{
				EntityType:  args[0],
				ProjectID:   projectID,
				FeatureArea: featureArea,
				Items:       items,
				ClientID:    clientID,
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(resp)
			}
			c.io.Printf("Created: %d, updated: %d, unchanged: %d\n", len(resp.Created), len(resp.Updated), len(resp.Unchanged))
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id (required)")
	cmd.Flags().StringVar(&featureArea, "feature", "", "feature area")
	cmd.Flags().StringVarP(&file, "file", "f", "", "items file (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
