// groupvault is the scoped object-storage gateway for group file areas.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Client flags
	serverURL string
	apiToken  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "groupvault",
		Short: "groupvault - scoped object-storage gateway for group file areas",
		Long: `groupvault turns a group folder and a file name into time-limited,
credential-bearing URLs for direct upload and download against the blob
backend, while guaranteeing no caller can operate outside the folder
assigned to their group.

RUNNING THE GATEWAY:

  groupvault serve --config /etc/groupvault/server.yaml

ADMIN OPERATIONS (direct storage access via config):

  groupvault provision --config server.yaml --group g1
  groupvault backfill  --config server.yaml
  groupvault check     --config server.yaml --group g1

CLIENT OPERATIONS (against a running gateway):

  export GROUPVAULT_TOKEN=<token>
  groupvault files list --server https://vault.example.com --group g1
  groupvault files read-url --group g1 --key report.pdf --qr`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(
		newServeCmd(),
		newProvisionCmd(),
		newBackfillCmd(),
		newPurgeGroupCmd(),
		newCheckCmd(),
		newTokenCmd(),
		newFilesCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog logger.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("groupvault %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
