package main

import (
	"fmt"
	"os"

	"github.com/benvon/idea-tagger/cmd/tagctl/commands"
	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "tagctl",
		Short:         "Operator tool for tag filters",
		Long:          "Compile keyword strings, manage tag filters and run bulk tagging in process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&commands.Verbose, "verbose", "v", false, "Log engine events to stderr")

	rootCmd.AddCommand(commands.NewCompileCmd())
	rootCmd.AddCommand(commands.NewFiltersCmd())
	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewUndoCmd())
	rootCmd.AddCommand(commands.NewSweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
