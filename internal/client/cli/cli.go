// Package cli implements the ctxsync client commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/ctxsync/internal/client/api"
	"github.com/iudanet/ctxsync/internal/client/iocli"
	"github.com/iudanet/ctxsync/internal/client/storage"
	"github.com/iudanet/ctxsync/internal/client/storage/boltdb"
	"github.com/iudanet/ctxsync/internal/client/sync"
)

const (
	// DefaultServerURL используется, если сервер не задан ни флагом, ни сессией
	DefaultServerURL = "http://localhost:8080"
	// DefaultDBPath is the local replica database
	DefaultDBPath = "ctxsync-client.db"
	// TokenEnv overrides the access token of the saved session
	TokenEnv = "CTXSYNC_TOKEN"
)

var errNotLoggedIn = errors.New("not logged in. Please run 'ctxsync login' first")

// Options are the global flags of the client
type Options struct {
	ServerURL string
	DBPath    string
	Token     string
	Verbose   bool
}

// Cli holds the dependencies of the client commands
type Cli struct {
	io          iocli.IO
	apiClient   api.ClientAPI
	syncService sync.Service
	sessions    storage.SessionStorage
	replica     storage.ReplicaStorage
	metadata    storage.MetadataStorage
	session     *storage.Session
	closer      func() error
	serverURL   string
	jsonOutput  bool
}

// New creates a Cli over already opened dependencies. session is nil when
// the client has not logged in yet.
func New(stdio iocli.IO, apiClient api.ClientAPI, syncService sync.Service, local *boltdb.Storage, session *storage.Session, serverURL string) *Cli {
	return &Cli{
		io:          stdio,
		apiClient:   apiClient,
		syncService: syncService,
		sessions:    local,
		replica:     local,
		metadata:    local,
		session:     session,
		serverURL:   serverURL,
	}
}

// NewRootCommand builds the ctxsync command tree. Storage and the API client
// are opened before any subcommand runs.
func NewRootCommand(version string) *cobra.Command {
	c := &Cli{io: iocli.NewStdio()}
	var opts Options

	root := c.rootCommand()
	root.Version = version

	flags := root.PersistentFlags()
	flags.StringVar(&opts.ServerURL, "server", "", "server URL (default: saved session or "+DefaultServerURL+")")
	flags.StringVar(&opts.DBPath, "db", DefaultDBPath, "path to local database")
	flags.StringVar(&opts.Token, "token", "", "access token (overrides $"+TokenEnv+" and the saved session)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed("json") {
			c.jsonOutput = !c.io.IsTerminal()
		}
		return c.open(cmd.Context(), opts)
	}
	root.PersistentPostRunE = func(*cobra.Command, []string) error {
		return c.Close()
	}

	return root
}

func (c *Cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ctxsync",
		Short:         "ctxsync - real-time context sync client",
		Long:          `ctxsync keeps a local replica of project context in sync with a ctxsync server and manages sync conflicts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "JSON output (default when stdout is not a terminal)")

	root.AddCommand(
		c.newLoginCommand(),
		c.newLogoutCommand(),
		c.newStatusCommand(),
		c.newPutCommand(),
		c.newDeleteCommand(),
		c.newGetCommand(),
		c.newListCommand(),
		c.newBulkCommand(),
		c.newPullCommand(),
		c.newWatchCommand(),
		c.newQueueCommand(),
		c.newAckCommand(),
		c.newConflictsCommand(),
		c.newResolveCommand(),
	)
	return root
}

// open открывает локальное хранилище и создает API клиент
func (c *Cli) open(ctx context.Context, opts Options) error {
	local, err := boltdb.New(ctx, opts.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	c.closer = local.Close
	c.sessions, c.replica, c.metadata = local, local, local

	session, err := local.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		session = nil
	case err != nil:
		return fmt.Errorf("failed to load session: %w", err)
	}
	c.session = session

	c.serverURL = opts.ServerURL
	if c.serverURL == "" && session != nil {
		c.serverURL = session.ServerURL
	}
	if c.serverURL == "" {
		c.serverURL = DefaultServerURL
	}

	token := opts.Token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if token == "" && session != nil {
		token = session.AccessToken
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c.apiClient = api.NewClient(c.serverURL, token)
	c.syncService = sync.NewService(c.apiClient, local, local, logger)
	return nil
}

// Close closes the local storage if it was opened by the Cli
func (c *Cli) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer()
	c.closer = nil
	return err
}

func (c *Cli) clientID() (uuid.UUID, error) {
	if c.session == nil {
		return uuid.Nil, errNotLoggedIn
	}
	return c.session.ClientID, nil
}

// printJSON пишет v как JSON с отступами
func (c *Cli) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = c.io.Write(append(data, '\n'))
	return err
}

// readData returns the JSON document given inline, from a file (@path)
// or from stdin (-)
func readData(arg string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case arg == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = data
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		raw = data
	default:
		raw = []byte(arg)
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (c *Cli) printCompactJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = c.io.Write(append(data, '\n'))
	return err
}
