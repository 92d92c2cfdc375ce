package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/reporting"
)

// withApp loads configuration, builds the app for one command and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry sweep once",
		Long: `Run the expiry sweep once and print its report as JSON.

Expires trials, ends canceled periods, moves overdue subscriptions to
past_due and then unpaid, polls stale pending payments and prunes old
webhook dedup keys. Use this from an external scheduler when serve runs
with --no-sweep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sweeper, err := a.newSweeper()
				if err != nil {
					return err
				}
				report, err := sweeper.Run(ctx)
				if err != nil {
					return fmt.Errorf("sweep failed: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.postgres == nil {
					return fmt.Errorf("migrate needs STORAGE=postgres or STORAGE=tiered, got %q", a.cfg.Storage)
				}
				if err := a.postgres.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print revenue, MRR and churn for a window",
		Long: `Print the financial summary for a reporting window as JSON.

Dates are YYYY-MM-DD in BILLING_TIMEZONE or RFC 3339 timestamps. --to is
inclusive for plain dates. Without flags the last 30 days are reported.

Examples:
  billingd report
  billingd report --from 2025-01-01 --to 2025-01-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				engine, err := a.newReports()
				if err != nil {
					return err
				}
				w, err := reporting.ParseWindow(from, to, time.Now(), a.cfg.TimeLocation())
				if err != nil {
					return err
				}
				summary, err := engine.Summary(ctx, w)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "window end")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [payment-ref]",
		Short: "Poll the gateway for one payment and apply its status",
		Long: `Poll the gateway for one payment and apply its status to the ledger
and the subscription, exactly as a webhook would.

Use it when a notification was lost or an operator item needs replaying.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.service.ReconcilePayment(ctx, args[0])
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", args[0], err)
				}
				if res.Payment == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "payment %s is still pending at the gateway\n", args[0])
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Inspect events that need manual reconciliation",
	}

	var limit int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operator items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				items, err := a.operator.List(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				return writeOperatorTable(cmd.OutOrStdout(), items)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum items")
	list.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")

	cmd.AddCommand(list)
	return cmd
}

func writeOperatorTable(out io.Writer, items []*billing.OperatorItem) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "operator queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUED AT\tGATEWAY\tPAYMENT\tSTATUS\tREASON\tERROR")
	for _, it := range items {
		var gw, ref, status string
		if it.Event != nil {
			gw, ref, status = it.Event.Gateway, it.Event.ExternalPaymentRef, string(it.Event.ReportedStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.QueuedAt.UTC().Format(time.RFC3339), gw, ref, status, it.Reason, it.Error)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
