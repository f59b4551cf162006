package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/ctxsync/internal/client/storage"
	"github.com/iudanet/ctxsync/internal/models"
)

func (c *Cli) newLoginCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the server URL and access token",
		Long: `Save the server URL and access token for the following commands.
The client id is kept across logins so the server keeps its pending queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("access-token") {
				t, err := c.io.ReadPassword("Access token (empty if the server has auth disabled): ")
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = t
			}
			return c.runLogin(cmd.Context(), token)
		},
	}
	cmd.Flags().StringVar(&token, "access-token", "", "access token to save")
	return cmd
}

func (c *Cli) runLogin(ctx context.Context, token string) error {
	session := &storage.Session{
		ServerURL:   c.serverURL,
		AccessToken: token,
		ClientID:    uuid.New(),
	}
	if c.session != nil {
		session.ClientID = c.session.ClientID
	}

	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	c.session = session

	if c.jsonOutput {
		return c.printJSON(map[string]any{"server_url": session.ServerURL, "client_id": session.ClientID})
	}

	c.io.Println("✓ Login successful!")
	c.io.Printf("Server:    %s\n", session.ServerURL)
	c.io.Printf("Client ID: %s\n", session.ClientID)
	return nil
}

func (c *Cli) newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.sessions.DeleteSession(cmd.Context()); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			c.session = nil
			c.io.Println("✓ Logged out")
			return nil
		},
	}
}

// statusReport is the JSON form of the status command
type statusReport struct {
	LastSync      *time.Time         `json:"last_sync,omitempty"`
	Project       *models.SyncStatus `json:"project,omitempty"`
	ServerURL     string             `json:"server_url"`
	ClientID      string             `json:"client_id,omitempty"`
	LocalEntities int                `json:"local_entities"`
	LoggedIn      bool               `json:"logged_in"`
}

func (c *Cli) newStatusCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, local replica and project sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStatus(cmd.Context(), projectID)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "also show the server sync status of this project")
	return cmd
}

func (c *Cli) runStatus(ctx context.Context, projectID string) error {
	report := statusReport{
		ServerURL: c.serverURL,
		LoggedIn:  c.session != nil,
	}
	if c.session != nil {
		report.ClientID = c.session.ClientID.String()
	}

	lastSync, err := c.metadata.GetLastSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last sync: %w", err)
	}
	if !lastSync.IsZero() {
		report.LastSync = &lastSync
	}

	entities, err := c.replica.ListEntities(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list local entities: %w", err)
	}
	report.LocalEntities = len(entities)

	if projectID != "" {
		status, err := c.apiClient.SyncStatus(ctx, projectID)
		if err != nil {
			return err
		}
		report.Project = status
	}

	if c.jsonOutput {
		return c.printJSON(report)
	}

	c.io.Println("=== Sync Status ===")
	c.io.Println()
	c.io.Printf("Server:         %s\n", report.ServerURL)
	if report.LoggedIn {
		c.io.Printf("Client ID:      %s\n", report.ClientID)
	} else {
		c.io.Println("Status:         Not logged in")
	}
	if report.LastSync != nil {
		c.io.Printf("Last sync:      %s\n", report.LastSync.Format(time.RFC3339))
	} else {
		c.io.Println("Last sync:      never")
	}
	c.io.Printf("Local entities: %d\n", report.LocalEntities)

	if p := report.Project; p != nil {
		c.io.Println()
		c.io.Printf("Project %s: %s\n", p.ProjectID, p.SyncHealth)
		c.io.Printf("  Connected clients: %d\n", p.ConnectedClients)
		c.io.Printf("  Pending changes:   %d\n", p.PendingChanges)
		if p.LastSync != nil {
			c.io.Printf("  Last broadcast:    %s\n", p.LastSync.Format(time.RFC3339))
		}
	}
	return nil
}
