package main

import (
	"context"
	"fmt"
	"strconv"

	"mirrord"
	"mirrord/cmd/mirrord/ui"
	"mirrord/config"
	"mirrord/internal/adapter/sqlite"
	"mirrord/internal/poolwatcher"
	"mirrord/internal/replayer"

	"github.com/spf13/cobra"
)

func imagesCmd(g *globalFlags) *cobra.Command {
	var peerName string

	cmd := &cobra.Command{
		Use:   "images",
		Short: "Show the images a peer wants mirrored, without starting replayers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			p, err := cfg.FindPeer(peerName)
			if err != nil {
				return err
			}

			catalog, err := sqlite.Open(cfg.Catalog)
			if err != nil {
				return err
			}
			defer catalog.Close()

			images, err := scanPeer(cmd.Context(), sqlite.Connector{Catalog: catalog}, p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(images) == 0 {
				fmt.Fprintln(out, ui.Muted("no mirrored images on "+p.Cluster))
				return nil
			}
			rows := make([][]string, 0, len(images))
			for _, info := range images {
				rows = append(rows, []string{
					info.Key.Pool.String(),
					string(info.Key.Image),
					info.Name,
					strconv.FormatUint(info.Size, 10),
					ui.Mirroring(info.Mirroring),
				})
			}
			fmt.Fprintln(out, ui.Table([]string{"POOL", "IMAGE", "NAME", "SIZE", "MIRRORING"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&peerName, "peer", "", "Peer cluster name")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

// scanPeer connects to p the way a replayer does at init and returns the
// images it wants mirrored.
func scanPeer(ctx context.Context, connector replayer.Connector, p config.Peer) ([]mirrord.ImageInfo, error) {
	peer := mirrord.Peer{ConnectionName: p.Connection, ClusterName: p.Cluster, ClusterUUID: p.UUID}
	session, err := replayer.Dial(ctx, connector, peer, p.ConfigPath)
	if err != nil {
		return nil, err
	}
	defer session.Shutdown()

	watcher := poolwatcher.New(session, replayer.RefreshInterval)
	if err := watcher.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	keys := watcher.CurrentImages().Keys()
	out := make([]mirrord.ImageInfo, 0, len(keys))
	for _, key := range keys {
		info, err := session.StatImage(ctx, key.Pool, key.Image)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
