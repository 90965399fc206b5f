// Command toolforge runs the ToolForge record engine and its admin tooling.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/toolforge/internal/app"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/infra/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, out, errOut io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err) //nolint:errcheck
		return 1
	}
	return 0
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "toolforge",
		Short: "Schema-driven internal tools backend",
		Long: `ToolForge stores records for internal tools described by schema documents.
It serves the record API over HTTP, pushes change events over websockets and
exposes read-only record tools to AI agents over MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "config file path")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSchemaCmd(opts),
		newUserCmd(opts),
		newRecordsCmd(opts),
		newAuditCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger logs JSON in production and text otherwise.
func (o *options) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Log.Level)
	if o.verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Env == config.EnvProduction {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openApp loads the config and opens the migrated service graph. Logs go to
// the command's error stream so stdout stays free for command output.
func (o *options) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(cmd.Context(), cfg, o.newLogger(cfg, cmd.ErrOrStderr()))
}

// actorByEmail resolves an active user into the actor CLI writes are
// attributed to.
func actorByEmail(ctx context.Context, a *app.App, email string) (audit.Actor, error) {
	if email == "" {
		return audit.Actor{}, fmt.Errorf("--as is required")
	}
	u, err := a.Auth.GetUserByEmail(ctx, email)
	if err != nil {
		return audit.Actor{}, fmt.Errorf("looking up %s: %w", email, err)
	}
	if !u.IsActive {
		return audit.Actor{}, fmt.Errorf("user %s is deactivated", email)
	}
	return audit.Actor{UserID: u.ID, Email: u.Email, Role: u.Role, UserAgent: "toolforge-cli"}, nil
}
