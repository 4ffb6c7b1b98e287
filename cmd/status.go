package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetkeeper/internal/status"
	pkgstrings "fleetkeeper/pkg/strings"
)

var statusOutputJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last status document published by a running fleetkeeperd",
	Long: `status reads the status document fleetkeeperd last wrote to
<root>/status.json (there is no live query channel, per the agent's
scope) and renders it as a table, or as raw JSON with --json.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusOutputJSON, "json", false, "print the raw status document instead of a table")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := viper.GetString("root")
	path := filepath.Join(root, statusFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("no status document at %s (is fleetkeeperd running?): %w", path, err)
	}

	if statusOutputJSON {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}

	var doc status.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	renderStatus(cmd, doc)
	return nil
}

func renderStatus(cmd *cobra.Command, doc status.Document) {
	out := cmd.OutOrStdout()
	healthColor := text.FgHiGreen
	if doc.OverallHealth != status.Healthy {
		healthColor = text.FgHiRed
	}
	fmt.Fprintf(out, "device: %s   health: %s\n\n", doc.Device, text.Colors{healthColor, text.Bold}.Sprint(doc.OverallHealth))

	ct := table.NewWriter()
	ct.SetOutputMirror(out)
	ct.SetStyle(table.StyleRounded)
	ct.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("COMPONENT"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("VERSION"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("STATE"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("RESTARTS"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("BROKEN"),
	})
	for _, c := range doc.ComponentStatuses {
		ct.AppendRow(table.Row{c.Name, c.Version, c.State, c.RestartCount, c.Broken})
	}
	ct.Render()

	if len(doc.DeploymentStatuses) == 0 {
		return
	}
	fmt.Fprintln(out)
	dt := table.NewWriter()
	dt.SetOutputMirror(out)
	dt.SetStyle(table.StyleRounded)
	dt.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("DEPLOYMENT"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("STATE"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("DETAIL"),
	})
	for _, d := range doc.DeploymentStatuses {
		dt.AppendRow(table.Row{d.DeploymentID, d.State, pkgstrings.TruncateDetail(d.Detail, pkgstrings.DetailColumnWidth)})
	}
	dt.Render()
}
