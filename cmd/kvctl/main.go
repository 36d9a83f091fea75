// Command kvctl is the operator-facing CLI that drives cluster
// membership changes against a running kvmesh node: add-node,
// del-node, and reshard each compute a new ShardScheme and drive it
// live through the two-phase PREPARE/SWITCH protocol of spec.md §4.7,
// grounded in orbas1-Synnergy's use of cobra subcommands for its own
// operator-facing CLI. status is a read-only sweep of every address
// in the current scheme.
//
// Every subcommand takes --seed, the address of any live node to read
// the current scheme from and drive the reconfiguration through.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/coordinator"
	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/shardscheme"
)

// schemeFetchTimeout bounds reading the live scheme from --seed
// before a reconfiguration or status sweep.
const schemeFetchTimeout = 2 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kvctl",
		Short: "Operator CLI for a kvmesh cluster",
	}

	var seed string
	root.PersistentFlags().StringVar(&seed, "seed", "", "address of any live kvmesh node")
	root.MarkPersistentFlagRequired("seed")

	root.AddCommand(
		newStatusCmd(&seed),
		newAddNodeCmd(&seed),
		newDelNodeCmd(&seed),
		newReshardCmd(&seed),
	)
	return root
}

func fetchScheme(ctx context.Context, seed string) (shardscheme.Scheme, error) {
	resp, status, err := rpc.Default.Get(ctx, seed, "admin/scheme", schemeFetchTimeout)
	if err != nil {
		return shardscheme.Scheme{}, fmt.Errorf("kvctl: fetch scheme from %s: %w", seed, err)
	}
	if status != 200 {
		return shardscheme.Scheme{}, fmt.Errorf("kvctl: fetch scheme from %s: status %d", seed, status)
	}
	return shardscheme.Deserialize(resp, "")
}

func newStatusCmd(seed *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report scheme version and key count for every node in the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scheme, err := fetchScheme(ctx, *seed)
			if err != nil {
				return err
			}

			results := coordinator.ClusterStatus(ctx, rpc.Default, scheme)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scheme version %d, %d shard(s)\n", scheme.Version(), scheme.NumShards())
			for _, r := range results {
				if !r.Reachable {
					fmt.Fprintf(out, "  shard %d  %-24s  UNREACHABLE (%v)\n", r.ShardID, r.Addr, r.Err)
					continue
				}
				fmt.Fprintf(out, "  shard %d  %-24s  version=%d  keys=%d\n", r.ShardID, r.Addr, r.SchemeVersion, r.Count)
			}
			return nil
		},
	}
}

func newAddNodeCmd(seed *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add-node <addr>",
		Short: "Add a node to the cluster, growing its smallest shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cur, err := fetchScheme(ctx, *seed)
			if err != nil {
				return err
			}

			next := coordinator.AddNode(ctx, rpc.Default, cur, args[0], rootLogger())
			fmt.Fprintf(cmd.OutOrStdout(), "scheme now at version %d\n", next.Version())
			return nil
		},
	}
}

func newDelNodeCmd(seed *string) *cobra.Command {
	return &cobra.Command{
		Use:   "del-node <addr>",
		Short: "Remove a node from the cluster, rebalancing its shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cur, err := fetchScheme(ctx, *seed)
			if err != nil {
				return err
			}

			next := coordinator.DelNode(ctx, rpc.Default, cur, args[0], rootLogger())
			if next.Version() == cur.Version() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not a cluster member, scheme unchanged at version %d\n", args[0], next.Version())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheme now at version %d\n", next.Version())
			return nil
		},
	}
}

func newReshardCmd(seed *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reshard <numShards>",
		Short: "Repartition the cluster into a different number of shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numShards, err := strconv.Atoi(args[0])
			if err != nil || numShards < 1 {
				return fmt.Errorf("kvctl: numShards must be a positive integer, got %q", args[0])
			}

			ctx := cmd.Context()
			cur, err := fetchScheme(ctx, *seed)
			if err != nil {
				return err
			}

			next, err := coordinator.Reshard(ctx, rpc.Default, cur, numShards, rootLogger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheme now at version %d, %d shard(s)\n", next.Version(), next.NumShards())
			return nil
		},
	}
}

func rootLogger() *zap.Logger {
	if os.Getenv("KVMESH_DEV") == "1" {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}
	return zap.NewNop()
}
