package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetkeeper/internal/ingress"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <document.yaml|document.json>",
	Short: "Submit a deployment document to a running fleetkeeperd",
	Long: `deploy validates a deployment document locally, then drops it into
<root>/jobs, where the running daemon's file watcher picks it up.
This stands in for a real cloud transport, letting an operator push a
deployment from a local file for field debugging or testing.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	doc, err := ingress.LoadFileWithDefaultID(args[0], uuid.NewString)
	if err != nil {
		return fmt.Errorf("invalid deployment document: %w", err)
	}

	root := viper.GetString("root")
	jobsDir := filepath.Join(root, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return fmt.Errorf("create jobs directory: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("re-encode deployment document: %w", err)
	}

	dst := filepath.Join(jobsDir, doc.DeploymentID+".json")
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("install job file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "submitted deployment %s (%d packages)\n", doc.DeploymentID, len(doc.Packages))
	return nil
}
