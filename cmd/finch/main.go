// Command finch runs the multi-channel conversational agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "finch",
		Short:         "finch is a multi-channel conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPairCmd())
	root.AddCommand(newDoctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if env := os.Getenv("FINCH_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "finch.yaml"
	}
	return home + "/.finch/finch.yaml"
}
