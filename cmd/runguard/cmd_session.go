package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/runguard/internal/gateway"
	"github.com/user/runguard/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionReplayCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

// withGateway runs fn against a gateway built from the config file.
func withGateway(fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	ctx := context.Background()

	gw, closeStore, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(ctx)
	return fn(ctx, gw)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
			list, err := gw.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tITERATION\tLAST EVENT\tUPDATED")
			for _, s := range list {
				status := string(s.Status)
				if s.Reason != "" {
					status += " (" + s.Reason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					s.SessionID,
					s.Agent,
					status,
					s.Iteration,
					s.MaxIterations,
					s.LastEventID,
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Print a session's events in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
			events, err := gw.History(ctx, types.SessionID(args[0]))
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Fprintln(os.Stdout, formatEvent(ev))
			}
			return nil
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
			if args[0] != "all" {
				if err := gw.Clear(ctx, types.SessionID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
				return nil
			}

			list, err := gw.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				if err := gw.Clear(ctx, s.SessionID); err != nil {
					return fmt.Errorf("clear %s: %w", s.SessionID, err)
				}
			}
			fmt.Printf("%d sessions cleared.\n", len(list))
			return nil
		})
	},
}
