package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/planet"
	"github.com/spf13/cobra"
)

func newDataCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Search the catalog and download assets",
		Long:  "Search the Data API catalog, inspect items and activate and download their assets",
	}

	cmd.AddCommand(newDataSearchCommand(a))
	cmd.AddCommand(newDataItemCommand(a))
	cmd.AddCommand(newDataItemTypesCommand(a))
	cmd.AddCommand(newDataAssetDownloadCommand(a))

	return cmd
}

func newDataSearchCommand(a *app) *cobra.Command {
	var (
		filterFile string
		geomFile   string
		start, end string
		cloudCover float64
		sortBy     string
		limit      int
		pageSize   int
	)

	cmd := &cobra.Command{
		Use:   "search ITEM_TYPE[,ITEM_TYPE...]",
		Short: "Search the catalog",
		Long: `Search the catalog for items of the given types.

The filter is read from --filter as JSON, or built from --start, --end,
--cloud-cover and --geom. Only items you may download are returned.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := planet.SearchRequest{
				ItemTypes: strings.Split(args[0], ","),
				Sort:      sortBy,
				PageSize:  pageSize,
			}

			var err error
			if filterFile != "" {
				req.Filter, err = readFilter(cmd.InOrStdin(), filterFile)
			} else {
				req.Filter, err = buildFilter(geomFile, start, end, cloudCover)
			}
			if err != nil {
				return err
			}

			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				items, err := pagination.Collect[planet.Item](ctx, pl.Data().Search(ctx, req, limit))
				if err != nil {
					return err
				}
				return a.printer(cmd).print(items, []any{"ID", "Item Type", "Acquired", "Cloud Cover"}, func(t *tablewriter.Table) {
					for _, item := range items {
						_ = t.Append(item.ID, item.ItemType(), item.Acquired(), cell(item.Properties["cloud_cover"]))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&filterFile, "filter", "", "JSON filter file, - for stdin")
	cmd.Flags().StringVar(&geomFile, "geom", "", "GeoJSON geometry file the items must intersect")
	cmd.Flags().StringVar(&start, "start", "", "earliest acquisition date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "latest acquisition date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().Float64Var(&cloudCover, "cloud-cover", -1, "maximum cloud cover fraction (0-1)")
	cmd.Flags().StringVar(&sortBy, "sort", "", `sort order, e.g. "acquired desc"`)
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of items, 0 for all")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "items per page requested from the server")

	return cmd
}

func readFilter(stdin io.Reader, name string) (planet.Filter, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, usageErrorf("read filter: %v", err)
	}
	var f planet.Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, usageErrorf("decode filter %s: %v", name, err)
	}
	return f, nil
}

func buildFilter(geomFile, start, end string, cloudCover float64) (planet.Filter, error) {
	filters := []planet.Filter{planet.PermissionFilter()}

	if start != "" || end != "" {
		gte, err := parseDate(start)
		if err != nil {
			return nil, err
		}
		lte, err := parseDate(end)
		if err != nil {
			return nil, err
		}
		filters = append(filters, planet.DateRangeFilter("acquired", gte, lte))
	}
	if cloudCover >= 0 {
		if cloudCover > 1 {
			return nil, usageErrorf("--cloud-cover must be between 0 and 1 (got %v)", cloudCover)
		}
		filters = append(filters, planet.RangeFilter("cloud_cover", 0, cloudCover))
	}
	if geomFile != "" {
		data, err := os.ReadFile(geomFile)
		if err != nil {
			return nil, usageErrorf("read geometry: %v", err)
		}
		if !json.Valid(data) {
			return nil, usageErrorf("geometry %s is not valid JSON", geomFile)
		}
		filters = append(filters, planet.GeometryFilter(data))
	}

	if len(filters) == 1 {
		return filters[0], nil
	}
	return planet.AndFilter(filters...), nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, usageErrorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
}

func newDataItemCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "item ITEM_TYPE ITEM_ID",
		Short: "Show an item",
		Long:  "Display the properties of a catalog item",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				item, err := pl.Data().GetItem(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				props := map[string]any{"id": item.ID, "assets": strings.Join(item.Assets, ", ")}
				for k, v := range item.Properties {
					props[k] = v
				}
				return a.printer(cmd).print(item, []any{"Property", "Value"}, properties(props))
			})
		},
	}
}

func newDataItemTypesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "item-types",
		Short: "List item types",
		Long:  "List the item types of the catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				types, err := pl.Data().ListItemTypes(ctx)
				if err != nil {
					return err
				}
				return a.printer(cmd).print(types, []any{"ID", "Name", "Asset Types"}, func(t *tablewriter.Table) {
					for _, it := range types {
						_ = t.Append(it.ID, it.DisplayName, fmt.Sprint(len(it.SupportedAssetTypes)))
					}
				})
			})
		},
	}
}

func newDataAssetDownloadCommand(a *app) *cobra.Command {
	var (
		dir       string
		overwrite bool
		wait      waitFlags
	)

	cmd := &cobra.Command{
		Use:   "asset-download ITEM_TYPE ITEM_ID ASSET_TYPE",
		Short: "Activate and download an asset",
		Long: `Activate an asset, wait until it is active and download it into --dir.

The file is verified against the MD5 digest the catalog reports.`,
		Args: exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			waitOpts, err := wait.options(cmd, "asset")
			if err != nil {
				return err
			}
			opts := download.DefaultOptions()
			opts.Overwrite = overwrite
			opts.CreateDirs = true
			opts.OnProgress = newProgress(cmd.ErrOrStderr())

			return a.withClient(cmd, func(ctx context.Context, pl *planet.Client) error {
				out, err := pl.Data().ActivateAndDownload(ctx, args[0], args[1], args[2], dir, waitOpts, opts)
				if out.Path == "" && err != nil {
					return err
				}
				if perr := a.printer(cmd).outcomes([]download.Outcome{out}); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "destination directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	wait.register(cmd)

	return cmd
}
