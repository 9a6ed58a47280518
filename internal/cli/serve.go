package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/config"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the health and breaker admin endpoints",
		Long: `Open the client and serve its admin endpoints until interrupted:

  GET /healthz     200 while an adapter is reachable, 503 otherwise
  GET /v1/breaker  circuit breaker snapshot

Example:
  portaldb serve --addr :8081 --config portaldb.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

func serve(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(opts.RootOptions, cfg.Log)
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openClient(ctx, opts.RootOptions, cfg, dbclient.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open client", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Error("error closing client", "error", closeErr)
		}
	}()

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(&server.Handler{Source: client}, logger)

	if err := server.Serve(ctx, addr, router, logger); err != nil {
		return WrapExitError(ExitFailure, "admin server error", err)
	}
	return nil
}

func openClient(ctx context.Context, opts *RootOptions, cfg config.Config, clientOpts ...dbclient.Option) (*dbclient.Client, error) {
	open := opts.Open
	if open == nil {
		open = dbclient.Open
	}
	return open(ctx, cfg, clientOpts...)
}
