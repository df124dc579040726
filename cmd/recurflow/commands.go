package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"recurflow/internal/auth"
	"recurflow/internal/scheduler"
)

var tickStartup bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process due executions once and exit",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if tickStartup {
			a.engine.ProcessPendingOnStartup(ctx)
		}
		a.engine.OnTimerFired(ctx)
		return nil
	}),
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Print the execution queue as JSON",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		q, err := a.engine.Queue(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	}),
}

var tokenExpiry time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <bearer-token>",
	Short: "Store the bearer token used for the expense API",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		rec := auth.TokenRecord{Token: args[0], Source: "cli"}
		if tokenExpiry > 0 {
			rec.ExpiresAt = time.Now().Add(tokenExpiry)
		}
		if err := a.tokens.Save(ctx, rec); err != nil {
			return err
		}
		a.auth.Invalidate(ctx)
		fmt.Println("token stored")
		return nil
	}),
}

// templateCommand builds a subcommand around one boolean engine operation.
func templateCommand(use, short, done string, op func(*scheduler.Engine, context.Context, string) bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <template-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if !op(a.engine, ctx, args[0]) {
				return fmt.Errorf("%s %s failed, see log", use, args[0])
			}
			fmt.Printf("%s %s\n", args[0], done)
			return nil
		}),
	}
}

func init() {
	tickCmd.Flags().BoolVar(&tickStartup, "startup", false, "also run the missed-execution recovery pass")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expires-in", 0, "token lifetime (0 = no expiry)")

	rootCmd.AddCommand(
		tickCmd,
		queueCmd,
		tokenCmd,
		templateCommand("schedule", "Queue the next execution of a template", "scheduled", (*scheduler.Engine).ScheduleTemplate),
		templateCommand("unschedule", "Remove a template from the queue", "unscheduled", (*scheduler.Engine).UnscheduleTemplate),
		templateCommand("pause", "Pause a template's schedule", "paused", (*scheduler.Engine).PauseTemplate),
		templateCommand("resume", "Resume a paused template", "resumed", (*scheduler.Engine).ResumeTemplate),
	)
}
