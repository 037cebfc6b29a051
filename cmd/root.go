// Package cmd is the qi-agent command line: an interactive research chat plus
// project management subcommands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qi-agent",
	Short: "Project-scoped research assistant for nursing quality improvement",
	Long: `qi-agent helps nursing QI teams move a project from question to draft:
PICOT formulation, literature search across PubMed and other sources,
citation validation, timeline tracking, sample-size planning and evidence
synthesis. Every answer is grounded in tool-verified sources and every
decision lands in an append-only audit log.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (optional; environment is always read)")
	rootCmd.PersistentFlags().String("log-file", "qi-agent.log", "log file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(projectsCmd)
}
