package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetkeeper/internal/bootstrap"
	"fleetkeeper/pkg/logging"
)

// nucleusRepoSlug names the GitHub repository (owner/repo) releases are
// published under, consulted by "fleetkeeperd self-update".
const nucleusRepoSlug = "fleetkeeper/fleetkeeperd"

var selfUpdateCmd = &cobra.Command{
	Use:   "self-update [target-version]",
	Short: "Update the fleetkeeperd binary itself to the latest release",
	Long: `self-update checks GitHub for the latest fleetkeeperd release and
replaces the running binary if a newer one is published, through
internal/bootstrap.NucleusUpdater. It is run by hand by an operator; the
daemon itself does not invoke it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSelfUpdate,
}

func init() {
	rootCmd.AddCommand(selfUpdateCmd)
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	currentVersion := rootCmd.Version
	if currentVersion == "" || currentVersion == "dev" {
		return fmt.Errorf("cannot self-update a development build")
	}
	var target string
	if len(args) == 1 {
		target = args[0]
	}

	log := logging.New(logging.Options{Level: logging.ParseLevel(viper.GetString("log_level")), Output: cmd.ErrOrStderr()})
	updater := bootstrap.NewNucleusUpdater(log, nucleusRepoSlug)

	fmt.Fprintf(cmd.OutOrStdout(), "current version: %s\n", currentVersion)
	updated, err := updater.UpdateTo(cmd.Context(), currentVersion, target)
	if err != nil {
		return err
	}
	if !updated {
		fmt.Fprintln(cmd.OutOrStdout(), "already at the latest version")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "updated, restart fleetkeeperd to run the new binary")
	return nil
}
