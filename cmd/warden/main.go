package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cfgFile is the --config override shared by all subcommands.
var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Supervised agent control plane",
		Long:  `Warden runs agent tasks under a dead-man switch: every privileged action is permission-gated, every decision lands in a tamper-evident audit chain, and any sign of human input halts automated control.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.warden/config.yaml)")

	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newInitCmd(),
		newTaskCmd(),
		newAutopilotCmd(),
		newAuditCmd(),
		newPermissionsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Warden version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Warden v%s\n", version)
		},
	}
}
