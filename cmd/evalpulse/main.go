package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobgate/evalpulse/cmd/evalpulse/commands"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "evalpulse",
	Short: "evalpulse - start and track JobGate AI evaluations",
	Long: `evalpulse starts AI evaluation jobs on the JobGate backend and polls them
until they complete, fail or time out.

Available commands:
  eval    - Start, batch, inspect and list evaluations
  am      - Show and edit configuration ("I am")
  server  - Run the relay (HTTP API + websocket push)
  version - Show build info and check backend compatibility

Examples:
  evalpulse eval start 42                 # Evaluate answer 42 and wait
  evalpulse eval start 42 --force -o json # Re-evaluate, print JSON
  evalpulse eval batch 41 42 43           # Evaluate several answers
  evalpulse eval history --limit 10       # Recent sessions from the journal
  evalpulse am set poll.max_attempts 30   # Persist a setting`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON on stderr")

	rootCmd.AddCommand(commands.EvalCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
