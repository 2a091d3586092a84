package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/runguard/internal/gateway"
	"github.com/user/runguard/internal/types"
)

// idleWait bounds how long the CLI waits for outstanding steps on exit.
const idleWait = 30 * time.Second

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("session", "", "resume an existing session")
	runCmd.Flags().Bool("headless", false, "suppress the user-facing iteration limit error")
	runCmd.Flags().Int("max-iterations", 0, "override max_iterations")
	runCmd.Flags().String("agent", "", "override agent (echo|llm)")
}

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run an interactive session",
	Long: `Run an interactive session. The optional task is sent as the first user
message; every line read from stdin after that is another user message.

Control lines:
  /pause    pause the run
  /resume   resume a paused run
  /stop     stop the run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if v, _ := cmd.Flags().GetBool("headless"); v {
			cfg.Headless = true
		}
		if v, _ := cmd.Flags().GetInt("max-iterations"); v != 0 {
			cfg.MaxIterations = v
		}
		if v, _ := cmd.Flags().GetString("agent"); v != "" {
			cfg.Agent = v
		}
		logger := setupLogging(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		gw, closeStore, err := buildGateway(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore(context.Background())

		sessionID, _ := cmd.Flags().GetString("session")
		sess, err := gw.Open(ctx, gateway.SessionSpec{ID: types.SessionID(sessionID)})
		if err != nil {
			return err
		}
		defer gw.Stop(context.Background())

		done := make(chan types.AgentState, 1)
		out := cmd.OutOrStdout()
		err = sess.Log.Subscribe(types.SubscriberCLI, func(_ context.Context, ev types.Event) error {
			fmt.Fprintln(out, formatEvent(ev))
			if obs, ok := ev.Payload.(types.AgentStateChangedObservation); ok && obs.State.IsTerminal() {
				select {
				case done <- obs.State:
				default:
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s\n", sess.ID)

		if len(args) == 1 {
			if _, err := gw.Send(ctx, sess.ID, args[0]); err != nil {
				return err
			}
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)

		for {
			select {
			case state := <-done:
				printSummary(out, sess, state)
				return nil
			case <-ctx.Done():
				if err := sess.Controller.SetAgentStateTo(context.Background(), types.StateStopped); err != nil {
					logger.Warn("stop on interrupt", "error", err)
				}
				sess.Controller.WaitIdle(idleWait)
				printSummary(out, sess, sess.Controller.State().AgentState)
				return nil
			case line, ok := <-lines:
				if !ok {
					// Input closed: let outstanding work settle, then leave.
					sess.Controller.WaitIdle(idleWait)
					printSummary(out, sess, sess.Controller.State().AgentState)
					return nil
				}
				if err := handleLine(ctx, gw, sess, line); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
			}
		}
	},
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
}

func handleLine(ctx context.Context, gw *gateway.Gateway, sess *gateway.Session, line string) error {
	switch line {
	case "/pause":
		return sess.Controller.SetAgentStateTo(ctx, types.StatePaused)
	case "/resume":
		return sess.Controller.SetAgentStateTo(ctx, types.StateRunning)
	case "/stop":
		return sess.Controller.SetAgentStateTo(ctx, types.StateStopped)
	}
	_, err := gw.Send(ctx, sess.ID, line)
	return err
}

func printSummary(w io.Writer, sess *gateway.Session, state types.AgentState) {
	snap := sess.Controller.State()
	m := sess.Controller.Metrics()
	fmt.Fprintf(w, "session %s ended in %s", sess.ID, state)
	if snap.Reason != "" {
		fmt.Fprintf(w, " (%s)", snap.Reason)
	}
	fmt.Fprintf(w, ": %d/%d iterations, %d steps, %d tokens\n",
		snap.Iteration, snap.MaxIterations, m.Steps, m.TotalTokens())
}
