package main

import (
	"fmt"

	"mirrord/cmd/mirrord/ui"

	"github.com/spf13/cobra"
)

func peersCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List configured peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, ui.KeyValues(
				ui.Pair{Key: "local cluster", Value: cfg.LocalCluster},
				ui.Pair{Key: "catalog", Value: cfg.Catalog},
			))
			if len(cfg.Peers) == 0 {
				fmt.Fprintln(out, ui.Muted("no peers configured"))
				return nil
			}

			rows := make([][]string, 0, len(cfg.Peers))
			for _, p := range cfg.Peers {
				rows = append(rows, []string{p.Cluster, p.Connection, p.UUID})
			}
			fmt.Fprintln(out, ui.Table([]string{"CLUSTER", "CLIENT", "UUID"}, rows))
			return nil
		},
	}
}
