package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/enesunal-m/pttflow"
	"github.com/enesunal-m/pttflow/flow"
	"github.com/enesunal-m/pttflow/nodes"
)

func newLookupCmd(g *globalFlags) *cobra.Command {
	var (
		configID string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lookup <group|user|groups> <id>",
		Short: "Query the PTT directory",
		Long: `Log in with a ptt-config node from the flow file and print one
directory record as JSON.

Example:
  pttflow lookup group g1
  pttflow lookup groups u-alice --config cfg`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{nodes.LookupGroup, nodes.LookupUser, nodes.LookupUserGroups},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := lookup(ctx, g, configID, args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&configID, "config", "", "ptt-config node to use (default: the first one in the flow)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	return cmd
}

// lookup starts only the chosen ptt-config node, so the login and logout
// follow the same path a running flow uses.
func lookup(ctx context.Context, g *globalFlags, configID, kind, id string) (any, error) {
	switch kind {
	case nodes.LookupGroup, nodes.LookupUser, nodes.LookupUserGroups:
	default:
		return nil, pttflow.NewConfigError("kind", kind, "must be group, user or groups")
	}
	def, err := g.loadFlow()
	if err != nil {
		return nil, err
	}
	nd, err := pickConfigNode(def, configID)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := flow.OpenStore(ctx, def.Credentials)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeStore() }()

	sub := &flow.Definition{Credentials: def.Credentials, Nodes: []flow.NodeDef{{ID: nd.ID, Type: nd.Type, Config: nd.Config}}}
	engine, err := flow.NewEngine(ctx, sub, flow.Options{
		Registry:    nodes.NewRegistry(),
		Credentials: store,
		Logger:      g.logger(def),
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = engine.Close(context.WithoutCancel(ctx)) }()

	node, _ := engine.Node(nd.ID)
	cn := node.(*nodes.ConfigNode)
	client, auth, err := cn.Auth(ctx)
	if err != nil {
		return nil, err
	}

	var result any
	switch kind {
	case nodes.LookupGroup:
		result, err = client.LookupGroup(ctx, auth, id)
	case nodes.LookupUser:
		result, err = client.LookupUser(ctx, auth, id)
	default:
		result, err = client.UserGroups(ctx, auth, id)
	}
	if errors.Is(err, pttflow.ErrNotFound) {
		return nil, fmt.Errorf("%s %s not found", kind, id)
	}
	return result, err
}

func pickConfigNode(def *flow.Definition, id string) (flow.NodeDef, error) {
	for _, nd := range def.Nodes {
		if nd.Type != nodes.TypeConfig {
			continue
		}
		if id == "" || nd.ID == id {
			return nd, nil
		}
	}
	if id != "" {
		return flow.NodeDef{}, fmt.Errorf("no %s node %q in the flow", nodes.TypeConfig, id)
	}
	return flow.NodeDef{}, fmt.Errorf("the flow has no %s node", nodes.TypeConfig)
}
