package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/planet"
	"github.com/planetlabs/planet-client-go/pkg/waiter"
	"github.com/spf13/cobra"
)

func newOrdersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orders",
		Aliases: []string{"order"},
		Short:   "Manage orders",
		Long:    "Create, inspect, cancel, wait for and download orders",
	}

	cmd.AddCommand(newOrdersListCommand(a))
	cmd.AddCommand(newOrdersGetCommand(a))
	cmd.AddCommand(newOrdersCreateCommand(a))
	cmd.AddCommand(newOrdersCancelCommand(a))
	cmd.AddCommand(newOrdersWaitCommand(a))
	cmd.AddCommand(newOrdersDownloadCommand(a))

	return cmd
}

func newOrdersListCommand(a *app) *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Long:  "List your orders, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !planet.OrderState(state).Valid() {
				return usageErrorf("unknown order state %q", state)
			}
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				orders, err := pagination.Collect[planet.Order](ctx, pl.Orders().List(ctx, planet.OrderState(state), limit))
				if err != nil {
					return err
				}
				return a.printer(cmd).print(orders, []any{"ID", "Name", "State", "Created"}, func(t *tablewriter.Table) {
					for _, o := range orders {
						_ = t.Append(o.ID, o.Name, string(o.State), o.CreatedOn)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only orders in this state (queued, running, success, partial, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of orders, 0 for all")

	return cmd
}

func (a *app) printOrder(cmd *cobra.Command, order *planet.Order) error {
	return a.printer(cmd).print(order, []any{"Property", "Value"}, func(t *tablewriter.Table) {
		_ = t.Append("ID", order.ID)
		_ = t.Append("Name", order.Name)
		_ = t.Append("State", string(order.State))
		_ = t.Append("Created", order.CreatedOn)
		_ = t.Append("Last Message", order.LastMessage)
		_ = t.Append("Results", fmt.Sprint(len(order.Links.Results)))
	})
}

func newOrdersGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get ORDER_ID",
		Short: "Show an order",
		Long:  "Display the details of an order",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				order, err := pl.Orders().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printOrder(cmd, order)
			})
		},
	}
}

func newOrdersCreateCommand(a *app) *cobra.Command {
	var (
		requestFile string
		name        string
		itemIDs     []string
		itemType    string
		bundle      string
		archive     bool
		email       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order",
		Long: `Create an order from --request (a JSON order request) or from
--name, --item-ids, --item-type and --bundle.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req planet.OrderRequest
			if requestFile != "" {
				data, err := os.ReadFile(requestFile)
				if err != nil {
					return usageErrorf("read request: %v", err)
				}
				if err := json.Unmarshal(data, &req); err != nil {
					return usageErrorf("decode request %s: %v", requestFile, err)
				}
			} else {
				if name == "" || len(itemIDs) == 0 || itemType == "" || bundle == "" {
					return usageErrorf("--name, --item-ids, --item-type and --bundle are required without --request")
				}
				req = planet.NewOrderRequest(name, planet.Product{ItemIDs: itemIDs, ItemType: itemType, ProductBundle: bundle})
			}
			if archive {
				req = req.WithArchive("")
			}
			if email {
				req = req.WithEmail()
			}

			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				order, err := pl.Orders().Create(ctx, req)
				if err != nil {
					return err
				}
				return a.printOrder(cmd, order)
			})
		},
	}

	cmd.Flags().StringVar(&requestFile, "request", "", "JSON order request file")
	cmd.Flags().StringVar(&name, "name", "", "order name")
	cmd.Flags().StringSliceVar(&itemIDs, "item-ids", nil, "comma separated item ids")
	cmd.Flags().StringVar(&itemType, "item-type", "", "item type, e.g. PSScene")
	cmd.Flags().StringVar(&bundle, "bundle", "", "product bundle, e.g. analytic_udm2")
	cmd.Flags().BoolVar(&archive, "archive", false, "deliver the results as one zip archive")
	cmd.Flags().BoolVar(&email, "email", false, "send an email when the order finishes")

	return cmd
}

func newOrdersCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Cancel an order",
		Long:  "Cancel a queued order",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				order, err := pl.Orders().Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printOrder(cmd, order)
			})
		},
	}
}

// waitFlags are the polling flags shared by the waiting commands.
type waitFlags struct {
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
}

func (w *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&w.interval, "interval", waiter.DefaultInterval, "time between status checks")
	cmd.Flags().DurationVar(&w.timeout, "timeout", 0, "give up waiting after this long, 0 to wait indefinitely")
	cmd.Flags().IntVar(&w.maxAttempts, "max-attempts", 0, "give up after this many status checks, 0 for no limit")
}

// options builds waiter options that print every state change on stderr.
func (w *waitFlags) options(cmd *cobra.Command, resource string) (waiter.Options, error) {
	if w.interval <= 0 || w.timeout < 0 || w.maxAttempts < 0 {
		return waiter.Options{}, usageErrorf("--interval must be positive and --timeout, --max-attempts not negative")
	}

	errOut := cmd.ErrOrStderr()
	last := ""
	return waiter.Options{
		Interval:    w.interval,
		Timeout:     w.timeout,
		MaxAttempts: w.maxAttempts,
		Resource:    resource,
		OnState: func(e waiter.Event) {
			state := stateOf(e.Value)
			if state == "" || state == last {
				return
			}
			last = state
			fmt.Fprintf(errOut, "%s: %s (%s)\n", resource, state, e.Elapsed.Round(time.Second))
		},
	}, nil
}

func stateOf(v any) string {
	switch v := v.(type) {
	case *planet.Order:
		return string(v.State)
	case *planet.Asset:
		return string(v.Status)
	}
	return ""
}

func newOrdersWaitCommand(a *app) *cobra.Command {
	var wait waitFlags

	cmd := &cobra.Command{
		Use:   "wait ORDER_ID",
		Short: "Wait for an order",
		Long:  "Poll an order until it reaches a final state (success, partial, failed or cancelled)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := wait.options(cmd, "order")
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				order, err := pl.Orders().Wait(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return a.printOrder(cmd, order)
			})
		},
	}
	wait.register(cmd)

	return cmd
}

func newOrdersDownloadCommand(a *app) *cobra.Command {
	var (
		dir         string
		checksum    string
		overwrite   bool
		concurrency int
		waitFirst   bool
		wait        waitFlags
	)

	cmd := &cobra.Command{
		Use:   "download ORDER_ID",
		Short: "Download the results of an order",
		Long: `Download the delivered results of an order into --dir.

With --checksum the order manifest is downloaded first and every file is
verified against the digest it lists. With --wait the order is polled until
it is ready.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := planet.DownloadOptions{Options: download.DefaultOptions()}
			opts.Overwrite = overwrite
			opts.MaxConcurrency = concurrency
			opts.OnProgress = newProgress(cmd.ErrOrStderr())
			if checksum != "" {
				algo, err := download.ParseAlgorithm(strings.ToLower(checksum))
				if err != nil {
					return &UsageError{Err: err}
				}
				opts.Checksum = algo
			}
			if concurrency < 1 {
				return usageErrorf("--concurrency must be >= 1 (got %d)", concurrency)
			}
			waitOpts, err := wait.options(cmd, "order")
			if err != nil {
				return err
			}

			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				var (
					outcomes []download.Outcome
					err      error
				)
				if waitFirst {
					outcomes, err = pl.Orders().WaitAndDownload(ctx, args[0], dir, waitOpts, opts)
				} else {
					outcomes, err = pl.Orders().Download(ctx, args[0], dir, opts)
				}
				if len(outcomes) > 0 {
					if perr := a.printer(cmd).outcomes(outcomes); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "destination directory")
	cmd.Flags().StringVar(&checksum, "checksum", "", "verify files against the manifest digests (md5 or sha1)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "files downloaded at once")
	cmd.Flags().BoolVar(&waitFirst, "wait", false, "wait for the order to finish first")
	wait.register(cmd)

	return cmd
}
