package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/enesunal-m/pttflow/flow"
)

func newCredentialsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage node credentials",
		Long: `Manage the credentials nodes read at start, kept apart from the flow file.

The store is selected by the flow file's credentials section: a YAML file
(the default, credentials.yaml) or Redis. Values may reference the
environment as ${VAR} or ${VAR:-default}; they are expanded when read.`,
	}
	cmd.AddCommand(newCredentialsSetCmd(g), newCredentialsGetCmd(g), newCredentialsDeleteCmd(g))
	return cmd
}

func newCredentialsSetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <node> <key=value>...",
		Short: "Replace a node's credentials",
		Long: `Replace every credential of a node with the given pairs.

Example:
  # password login for a ptt-config node
  pttflow credentials set cfg username=alice 'password=${PTT_PASSWORD}'

  # pre-issued token
  pttflow credentials set cfg token=eyJhbGciOi...`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid credential %q, want key=value", kv)
				}
				creds[k] = v
			}
			return withStore(cmd, g, args[0], func(store flow.CredentialStore) error {
				if err := store.Set(cmd.Context(), args[0], creds); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %d credentials for %s\n", len(creds), args[0])
				return nil
			})
		},
	}
}

func newCredentialsGetCmd(g *globalFlags) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "get <node>",
		Short: "Show a node's credential keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(store flow.CredentialStore) error {
				creds, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printCredentials(cmd.OutOrStdout(), creds, show)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print values instead of masking them")
	return cmd
}

func newCredentialsDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node>",
		Short: "Remove a node's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(store flow.CredentialStore) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted credentials for %s\n", args[0])
				return nil
			})
		},
	}
}

// withStore opens the flow's credential store for one operation and warns
// when the node is not part of the flow.
func withStore(cmd *cobra.Command, g *globalFlags, nodeID string, op func(flow.CredentialStore) error) error {
	def, err := g.loadFlow()
	if err != nil {
		return err
	}
	if _, ok := def.Node(nodeID); !ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: node %q is not in %s\n", nodeID, g.flowPath)
	}
	store, closeStore, err := flow.OpenStore(cmd.Context(), def.Credentials)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	return op(store)
}

func printCredentials(w io.Writer, creds map[string]string, show bool) {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := "********"
		if show {
			v = creds[k]
		}
		fmt.Fprintf(w, "%s=%s\n", k, v)
	}
}
