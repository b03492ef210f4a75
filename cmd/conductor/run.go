package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/conductor/agentloop"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run one instruction to completion",
	Long: `Runs the instruction through the agent loop, printing tool calls and the
final answer. Mutating tool calls are confirmed on the terminal unless
--auto-approve is set. Press Ctrl-C to abort the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstruction,
}

func init() {
	runCmd.Flags().Bool("auto-approve", false, "approve mutating tool calls without asking")
	runCmd.Flags().Int("max-iterations", 0, "iteration cap for this run")
	runCmd.Flags().BoolP("verbose", "v", false, "show iterations and tool output")
}

func runInstruction(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	instruction := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, logger, newPromptApprover(os.Stdin, out))
	if err != nil {
		return err
	}
	defer a.closeStores()

	var g errgroup.Group
	a.startRecorders(context.Background(), &g)
	console := a.publisher.Subscribe("")
	g.Go(func() error {
		printEvents(out, console, verbose)
		return nil
	})

	runErr := runToEnd(ctx, a.manager, instruction, agentloop.SessionOptions{WorkDir: workDir})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not stop in time", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		logger.Warn("event subscriber failed", zap.Error(err))
	}
	return runErr
}

// runToEnd starts a session and waits for its run to end, aborting it when
// ctx is cancelled.
func runToEnd(ctx context.Context, m *agentloop.Manager, instruction string, opts agentloop.SessionOptions) error {
	id, err := m.StartSession(ctx, instruction, opts)
	if err != nil {
		return err
	}
	err = m.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		_ = m.Abort(id)
		err = m.Wait(context.Background(), id)
	}
	var runErr *agentloop.RunError
	if errors.As(err, &runErr) {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return err
}

func printEvents(w io.Writer, sub *agentloop.Subscription, verbose bool) {
	for ev := range sub.Events() {
		if line := renderEvent(ev, verbose); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}
