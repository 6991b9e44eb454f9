package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/agronomist/internal/agent"
	"github.com/ent0n29/agronomist/internal/app"
	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/logging"
	"github.com/ent0n29/agronomist/internal/planning"
)

var exitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
}

func newChatCmd() *cobra.Command {
	var userID string
	var logLevel string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return chat(ctx, cfg, userID, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli-farmer", "farmer id for the session")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level for the chat session")
	return cmd
}

func chat(ctx context.Context, cfg config.Config, userID string, in io.Reader, out, errOut io.Writer) error {
	logger := logging.New(cfg.LogLevel, "console", errOut)
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = built.Cleanup() }()

	sess, err := built.Controller.CreateSession(ctx, userID)
	if err != nil {
		return err
	}
	events, unsubscribe := built.Planner.Subscribe(sess.ID)
	defer unsubscribe()

	fmt.Fprintf(out, "Session %s started. Type 'exit' to finish, '/profile' to see what I remember.\n\n", sess.ID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Farmer: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case exitCommands[strings.ToLower(line)]:
			return endChat(ctx, built.Controller, sess.ID, out)
		case line == "/profile":
			printProfile(ctx, built.Controller, sess.ID, out)
			continue
		}

		resp, err := built.Controller.HandleMessage(ctx, sess.ID, line)
		drainPlanEvents(events, out)
		if err != nil {
			fmt.Fprintf(out, "\n  ! %v\n\n", err)
			continue
		}
		fmt.Fprintf(out, "\nAgronomist: %s\n\n", resp.Text)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return endChat(ctx, built.Controller, sess.ID, out)
}

// drainPlanEvents prints the progress of the planning run that just finished.
// The engine publishes every event before Run returns.
func drainPlanEvents(events <-chan planning.Event, out io.Writer) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case planning.EventPlanCritique:
				fmt.Fprintf(out, "  ↳ review %d scored %.2f\n", evt.Iteration, evt.Score)
			case planning.EventPlanRetry:
				fmt.Fprintf(out, "  ↳ retrying: %s\n", evt.Detail)
			case planning.EventPlanCompleted:
				fmt.Fprintf(out, "  ↳ plan %s %s\n", evt.Status, evt.Reason)
			}
		default:
			return
		}
	}
}

func printProfile(ctx context.Context, c *agent.Controller, sessionID string, out io.Writer) {
	view, err := c.Context(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(out, "  ! %v\n", err)
		return
	}
	if len(view.Profile) == 0 {
		fmt.Fprintln(out, "  (nothing remembered yet)")
		return
	}
	keys := make([]string, 0, len(view.Profile))
	for k := range view.Profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, view.Profile[k].Value)
	}
}

func endChat(ctx context.Context, c *agent.Controller, sessionID string, out io.Writer) error {
	if _, err := c.EndSession(ctx, sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	fmt.Fprintln(out, "Goodbye!")
	return nil
}
