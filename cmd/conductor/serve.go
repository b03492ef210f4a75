package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/martinemde/conductor/control"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve session control as MCP tools over HTTP",
	Long: `Starts an MCP server exposing start_session, resume_session,
abort_session, resolve_confirmation, list_confirmations and session_status.
Confirmations are answered through resolve_confirmation. With the audit log
or the NATS event stream enabled, session_events replays past events.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:8765)")
	serveCmd.Flags().Bool("auto-approve", false, "approve mutating tool calls without asking")
	serveCmd.Flags().Int("max-iterations", 0, "iteration cap per run")
}

func runServe(cmd *cobra.Command, args []string) error {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Serve.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.closeStores()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	a.startRecorders(gctx, g)

	srv := control.New(a.manager, control.Options{
		Name:    "conductor",
		Version: version,
		History: a.history(),
		Logger:  logger.Named("control"),
	})
	url, err := srv.Start(cfg.Serve.Addr)
	if err != nil {
		_ = a.shutdown(context.Background())
		_ = g.Wait()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conductor control server listening on %s\n", url)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("stop control server", zap.Error(err))
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not stop in time", zap.Error(err))
	}
	return g.Wait()
}
