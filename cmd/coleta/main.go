// cmd/coleta/main.go
//
// Entry point for the coleta CLI.
//
// `coleta` opens the terminal UI in the current directory. The project's
// settings, logs and saved workflow live under .coleta/.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:           "coleta",
	Short:         "Collector client for recyclable material pickups",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if projectDir != "" {
			return nil
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		projectDir = cwd
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context(), projectDir)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "dir", "", "Project directory holding .coleta (default: current directory)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
