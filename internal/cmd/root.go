// Package cmd wires the slurmbridged command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo injects build metadata from the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "slurmbridged",
	Short: "Bridge daemon between the job portal and a Slurm cluster",
	Long: `slurmbridged submits queued portal jobs to a Slurm cluster, tracks
their execution state, reconciles status back to the portal, and keeps
the cluster-side identity mapping and its own binary current.

Configuration is read from --config, /etc/slurmbridge/config.yaml, or
SLURMBRIDGE_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

// Execute runs the command tree and returns the error for main to map to
// an exit code.
func Execute() error {
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
