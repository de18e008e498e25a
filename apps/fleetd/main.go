package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrej220/logfleet/pkg/lg"
)

type rootFlags struct {
	configPath  string
	configStore string
	debug       bool
	logFormat   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           SERVICENAME,
		Short:         "Orchestrates Logstash processes across a fleet of machines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", CONFIGFILENAME, "path to the service config file")
	pf.StringVar(&flags.configStore, "config-store", "file", "where the config lives: file or mongo")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pf.StringVar(&flags.logFormat, "log-format", "json", "log encoding: json or console")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newTaskCmd(flags))
	return root
}

func (f *rootFlags) logger() lg.Logger {
	return lg.New(&lg.Config{ServiceName: SERVICENAME, Debug: f.debug, Format: f.logFormat})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
