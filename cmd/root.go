// Package cmd is the fleetkeeperd CLI/daemon entry point: a cobra.Command
// tree with one file per subcommand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Process exit codes. 100 and above distinguish an agent-level failure
// from a plain CLI usage error so a device's boot scripts can tell them
// apart.
const (
	ExitCodeClean             = 0
	ExitCodeConfigError       = 100
	ExitCodeBootstrapRestart  = 101
	ExitCodePlatformFailure   = 102
	exitCodeGeneralCLIFailure = 1
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleetkeeperd",
	Short: "Edge-device deployment agent",
	Long: `fleetkeeperd is a long-running supervisor installed on a fleet device.
It accepts declarative deployment documents from a cloud control plane,
resolves the components they require, fetches recipes and artifacts, and
drives each component through its lifecycle while preserving device
safety: at most one disruptive change at a time, with rollback on
failure.`,
	SilenceUsage: true,
}

// SetVersion injects the build-time version string from main.main.
func SetVersion(v string) { rootCmd.Version = v }

// Execute runs the CLI, exiting the process with the documented exit code
// on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeGeneralCLIFailure)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.fleetkeeper/config.yaml)")
	rootCmd.PersistentFlags().String("root", "/var/lib/fleetkeeper", "agent state root directory (recipes, artifacts, config snapshots, deployments)")
	rootCmd.PersistentFlags().String("device-id", "", "this device's identifier, reported in status documents")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit structured logs as JSON instead of text")

	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("device_id", rootCmd.PersistentFlags().Lookup("device-id"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

// initConfig loads the daemon's own bootstrap configuration through
// viper — root directory, device id, logging, metrics listen address,
// source and jobs directories.
// This is distinct from the component configuration tree (ConfigStore),
// this system's core data model.
func initConfig() {
	viper.SetEnvPrefix("FLEETKEEPER")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.fleetkeeper")
		}
		viper.AddConfigPath("/etc/fleetkeeper")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "fleetkeeperd: reading config: %v\n", err)
		}
	}
}
