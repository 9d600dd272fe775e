package main

import (
	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	configPath string
	logLevel   string
	noColor    bool
	jsonOutput bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Autonomous research agent",
		Long: "quarry answers research questions by iteratively calling tools, " +
			"persisting every result and writing an answer from a bounded context.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to a config file (default: ~/.quarry/config.yaml then ./.quarry/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&flags.jsonOutput, "json", false, "print results as JSON")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "show model thinking between tool calls")

	rootCmd.AddCommand(
		newAskCmd(flags),
		newTasksCmd(flags),
		newInspectCmd(flags),
		newWatchCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}
