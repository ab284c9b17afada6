package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
	"github.com/enesunal-m/pttflow/nodes"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a flow file",
		Long: `Parse the flow file, check wiring and build every node without
starting it. Nothing connects to the PTT service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := g.loadFlow()
			if err != nil {
				return err
			}
			// building the engine runs every node factory
			if _, err := flow.NewEngine(cmd.Context(), def, flow.Options{
				Registry: nodes.NewRegistry(),
				Logger:   pttflow.NopLogger(),
			}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d nodes ok\n", g.flowPath, len(def.Nodes))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tWIRES")
			for _, nd := range def.Nodes {
				fmt.Fprintf(w, "%s\t%s\t%v\n", nd.ID, nd.Type, nd.Wires)
			}
			return w.Flush()
		},
	}
}
