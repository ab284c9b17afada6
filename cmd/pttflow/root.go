package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
)

// Build information, set with -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	flowPath string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "pttflow",
		Short: "Run PTT flows",
		Long: `Run flows that connect a PTT service to a graph of nodes.

A flow file (YAML) declares the nodes, their wiring, and the logging,
HTTP and credential settings. Credentials live in a separate store
(a YAML file or Redis) and are managed with 'pttflow credentials'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.flowPath, "flow", "f", envOr("PTTFLOW_FLOW", "flow.yaml"), "Path to the flow file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the flow's log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newValidateCmd(g))
	root.AddCommand(newCredentialsCmd(g))
	root.AddCommand(newLookupCmd(g))
	root.AddCommand(newVersionCmd())
	return root
}

// loadFlow reads the flow file named by --flow.
func (g *globalFlags) loadFlow() (*flow.Definition, error) {
	def, err := flow.Load(g.flowPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		def.Logging.Level = g.logLevel
	}
	return def, nil
}

// logger builds the process logger from the flow's logging section.
func (g *globalFlags) logger(def *flow.Definition) *pttflow.Logger {
	opts := def.Logging
	if opts.Level == "" {
		opts.Level = envOr("PTTFLOW_LOG_LEVEL", "info")
	}
	return pttflow.NewLoggerFromOptions(opts)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pttflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	}
}
