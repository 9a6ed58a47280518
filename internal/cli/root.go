package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/config"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// DefaultEnvFile is loaded before configuration when present.
const DefaultEnvFile = ".env"

// OpenFunc builds a client from configuration.
type OpenFunc func(ctx context.Context, cfg config.Config, opts ...dbclient.Option) (*dbclient.Client, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Verbose    bool
	Format     string // "json" | "text"

	// Open allows overriding client construction (for testing).
	// If nil, defaults to dbclient.Open.
	Open OpenFunc

	// LogWriter receives diagnostic logs. If nil, defaults to stderr.
	LogWriter io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the portaldb CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portaldb",
		Short: "portaldb - unified tenant-scoped document access",
		Long: `portaldb reads and writes tenant-scoped documents through the unified
data access layer: a primary document store, a secondary SQL store, retries
with backoff and a circuit breaker that fails over between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return loadEnvFile(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", DefaultEnvFile, "dotenv file loaded before configuration")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewBatchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		if !IsReported(err) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return GetExitCode(err)
	}
	return ExitSuccess
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultEnvFile {
			return nil
		}
		return WrapExitError(ExitCommandError, "failed to load env file", err)
	}
	return nil
}

// loadConfig reads the effective configuration.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger for cfg. --verbose forces debug level.
func newLogger(opts *RootOptions, cfg config.LogConfig) *slog.Logger {
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	level := parseLevel(cfg.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
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

// withClient loads configuration, opens a client and runs fn with it.
// The client is closed when fn returns.
func withClient(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(opts, cfg.Log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Debug("opening client",
		"primary", cfg.Primary.Backend,
		"secondary", cfg.Secondary.Backend)
	client, err := openClient(ctx, opts, cfg, dbclient.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open client", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Error("error closing client", "error", closeErr)
		}
	}()

	return fn(ctx, client, formatterFor(cmd, opts))
}

func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// operationError maps a client error to an exit error. Rejected input is a
// command error; everything else, not found included, is a failure.
func operationError(message string, err error) *ExitError {
	if dberr.IsKind(err, dberr.KindValidation) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
