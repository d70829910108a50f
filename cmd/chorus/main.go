// Chorus: a multi-agent orchestrator that decomposes goals into job graphs
// and runs them on expert workflows.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Chorus: multi-agent goal orchestration",
	Long: `Chorus decomposes a goal into a graph of subtasks, assigns each subtask
to an expert workflow and runs the graph with bounded parallelism, retries
and re-decomposition of subtasks that turn out too complicated.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, queryCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
