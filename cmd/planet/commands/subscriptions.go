package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/planet"
	"github.com/spf13/cobra"
)

func newSubscriptionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage subscriptions",
		Long:    "List, inspect and cancel subscriptions and list their results",
	}

	cmd.AddCommand(newSubscriptionsListCommand(a))
	cmd.AddCommand(newSubscriptionsGetCommand(a))
	cmd.AddCommand(newSubscriptionsResultsCommand(a))
	cmd.AddCommand(newSubscriptionsCancelCommand(a))

	return cmd
}

func newSubscriptionsListCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Long:  "List your subscriptions",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !planet.SubscriptionStatus(status).Valid() {
				return usageErrorf("unknown subscription status %q", status)
			}
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				subs, err := pagination.Collect[planet.Subscription](ctx,
					pl.Subscriptions().List(ctx, planet.SubscriptionStatus(status), limit))
				if err != nil {
					return err
				}
				return a.printer(cmd).print(subs, []any{"ID", "Name", "Status", "Created"}, func(t *tablewriter.Table) {
					for _, s := range subs {
						_ = t.Append(s.ID, s.Name, string(s.Status), s.Created)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only subscriptions with this status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of subscriptions, 0 for all")

	return cmd
}

func newSubscriptionsGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get SUBSCRIPTION_ID",
		Short: "Show a subscription",
		Long:  "Display the details of a subscription",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				sub, err := pl.Subscriptions().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printer(cmd).print(sub, []any{"Property", "Value"}, func(t *tablewriter.Table) {
					_ = t.Append("ID", sub.ID)
					_ = t.Append("Name", sub.Name)
					_ = t.Append("Status", string(sub.Status))
					_ = t.Append("Created", sub.Created)
					_ = t.Append("Updated", sub.Updated)
					_ = t.Append("Source", string(sub.Source))
				})
			})
		},
	}
}

func newSubscriptionsResultsCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "results SUBSCRIPTION_ID",
		Short: "List subscription results",
		Long:  "List the deliveries of a subscription",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				results, err := pagination.Collect[planet.SubscriptionResult](ctx,
					pl.Subscriptions().Results(ctx, args[0], planet.ResultStatus(status), limit))
				if err != nil {
					return err
				}
				return a.printer(cmd).print(results, []any{"ID", "Status", "Created", "Items"}, func(t *tablewriter.Table) {
					for _, r := range results {
						_ = t.Append(r.ID, string(r.Status), r.Created, strings.Join(r.ItemIDs, ","))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only results with this status (created, queued, processing, failed, success)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of results, 0 for all")

	return cmd
}

func newSubscriptionsCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel SUBSCRIPTION_ID",
		Short: "Cancel a subscription",
		Long:  "Cancel a subscription so it delivers no further results",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				if err := pl.Subscriptions().Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s cancelled\n", args[0])
				return nil
			})
		},
	}
}
