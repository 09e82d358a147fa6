package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/engine"
	"github.com/xela07ax/agenshield/internal/protocol"
)

func (c *cli) graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Edit the policy graph",
		Long: `Edit the policy graph of the daemon.

Node and edge changes go through /rpc and need the graph_admin scope.
sleep and wake go through Redis and reach every daemon of the cluster.`,
	}
	node := &cobra.Command{Use: "node", Short: "Policy graph nodes"}
	node.AddCommand(c.nodeEnsureCmd(), c.nodeDormantCmd("sleep", true), c.nodeDormantCmd("wake", false))

	edge := &cobra.Command{Use: "edge", Short: "Policy graph edges"}
	edge.AddCommand(c.edgeAddCmd(), c.edgeRemoveCmd())

	cmd.AddCommand(node, edge)
	return cmd
}

func (c *cli) nodeEnsureCmd() *cobra.Command {
	var p protocol.NodeEnsureParams
	cmd := &cobra.Command{
		Use:   "ensure <policy_id>",
		Short: "Create the node of a policy in a scope (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.PolicyID = args[0]
			client, err := c.client()
			if err != nil {
				return err
			}
			n, err := client.EnsureNode(cmd.Context(), p)
			if err != nil {
				return fmt.Errorf("graph_node_ensure: %w", err)
			}
			return c.print(cmd.OutOrStdout(), n, func(w io.Writer) {
				fmt.Fprintf(w, "%s  policy=%s scope=%q dormant=%t\n", n.ID, n.PolicyID, n.ScopeTarget, n.Dormant)
			})
		},
	}
	cmd.Flags().StringVar(&p.ScopeTarget, "scope", "", `scope target, e.g. "agent:a1" or "skill:deploy"`)
	cmd.Flags().StringVar(&p.ScopeUser, "user", "", "scope user")
	return cmd
}

func (c *cli) nodeDormantCmd(use string, dormant bool) *cobra.Command {
	short := "Wake a node up"
	if dormant {
		short = "Put a node to sleep: it stops firing its edges"
	}
	return &cobra.Command{
		Use:   use + " <node_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := c.redis()
			if err != nil {
				return err
			}
			defer rdb.Close()
			if err := engine.PublishDormant(cmd.Context(), rdb, args[0], dormant); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: dormant=%t\n", args[0], dormant)
			return nil
		},
	}
}

type edgeFlags struct {
	from, to  string
	effect    string
	lifetime  string
	priority  int
	condition string
	secret    string
	grants    []string
	delayMs   int64
}

func (f edgeFlags) edge() domain.PolicyEdge {
	return domain.PolicyEdge{
		SourceNodeID:  f.from,
		TargetNodeID:  f.to,
		Effect:        domain.EdgeEffect(f.effect),
		Lifetime:      domain.Lifetime(f.lifetime),
		Priority:      f.priority,
		Condition:     f.condition,
		SecretName:    f.secret,
		GrantPatterns: f.grants,
		DelayMs:       f.delayMs,
		Enabled:       true,
	}
}

func (c *cli) edgeAddCmd() *cobra.Command {
	var f edgeFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an edge (rejected if it closes a cycle)",
		Long: `Add an edge between two nodes.

Effects: activate, deny, inject_secret, grant_network, grant_fs, revoke.
Lifetimes: session, process, once, persistent.

Examples:
  shieldctl graph edge add --from N1 --to N2 --effect deny --lifetime session
  shieldctl graph edge add --from N1 --to N3 --effect inject_secret --secret GITHUB_TOKEN
  shieldctl graph edge add --from N1 --to N3 --effect grant_network --grant api.github.com:443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := f.edge()
			if err := e.Validate(); err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			out, err := client.AddEdge(cmd.Context(), e)
			if err != nil {
				return fmt.Errorf("graph_edge_add: %w", err)
			}
			return c.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s -[%s/%s]-> %s\n", out.ID, out.SourceNodeID, out.Effect, out.Lifetime, out.TargetNodeID)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.from, "from", "", "source node id")
	fl.StringVar(&f.to, "to", "", "target node id")
	fl.StringVar(&f.effect, "effect", string(domain.EffectActivate), "edge effect")
	fl.StringVar(&f.lifetime, "lifetime", string(domain.LifetimeSession), "activation lifetime")
	fl.IntVar(&f.priority, "priority", 0, "edge priority")
	fl.StringVar(&f.condition, "condition", "", `condition, e.g. "skill == web-search && target =~ /workspace/**"`)
	fl.StringVar(&f.secret, "secret", "", "secret name for inject_secret")
	fl.StringSliceVar(&f.grants, "grant", nil, "grant pattern for grant_network / grant_fs (repeatable)")
	fl.Int64Var(&f.delayMs, "delay-ms", 0, "delay before the effect applies")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (c *cli) edgeRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <edge_id>",
		Short: "Remove an edge and its activations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			removed, err := client.RemoveEdge(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("graph_edge_remove: %w", err)
			}
			if !removed {
				return fmt.Errorf("edge %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
			return nil
		},
	}
}
