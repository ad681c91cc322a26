package commands

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  "Display detailed version information about the planet CLI",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			type VersionInfo struct {
				Version string `json:"version"`
				Commit  string `json:"commit"`
				Built   string `json:"built"`
			}

			info := VersionInfo{Version: a.info.Version, Commit: a.info.Commit, Built: a.info.Date}
			return a.printer(cmd).print(info, []any{"Property", "Value"}, func(t *tablewriter.Table) {
				_ = t.Append("Version", info.Version)
				_ = t.Append("Commit", info.Commit)
				_ = t.Append("Built", info.Built)
			})
		},
	}
}
