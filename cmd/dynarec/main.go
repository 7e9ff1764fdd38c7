package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/dynarec/log"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "dynarec",
	Short: "Dynamic recompiler tooling",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.InitLogger(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level (trace|debug|info|warn|error|crit)")
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
