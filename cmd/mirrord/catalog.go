package main

import (
	"fmt"
	"strconv"

	"mirrord"
	"mirrord/cmd/mirrord/ui"
	"mirrord/internal/adapter/sqlite"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func catalogCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Seed the lab cluster catalog",
	}
	cmd.AddCommand(catalogClusterCmd(g))
	cmd.AddCommand(catalogImageCmd(g))
	return cmd
}

func openCatalog(g *globalFlags) (*sqlite.Catalog, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Catalog)
}

func catalogClusterCmd(g *globalFlags) *cobra.Command {
	var fsid string

	cmd := &cobra.Command{
		Use:   "cluster NAME",
		Short: "Add or update a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fsid == "" {
				fsid = uuid.NewString()
			} else if _, err := uuid.Parse(fsid); err != nil {
				return fmt.Errorf("invalid --fsid %q: %w", fsid, err)
			}

			catalog, err := openCatalog(g)
			if err != nil {
				return err
			}
			defer catalog.Close()

			if err := catalog.PutCluster(cmd.Context(), args[0], fsid); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("cluster %s has fsid %s", args[0], fsid))
			return nil
		},
	}
	cmd.Flags().StringVar(&fsid, "fsid", "", "Cluster uuid (generated when empty)")
	return cmd
}

func catalogImageCmd(g *globalFlags) *cobra.Command {
	var (
		disabled bool
		name     string
		size     uint64
	)

	cmd := &cobra.Command{
		Use:   "image CLUSTER POOL IMAGE",
		Short: "Add or update an image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pool id %q: %w", args[1], err)
			}

			catalog, err := openCatalog(g)
			if err != nil {
				return err
			}
			defer catalog.Close()

			info := mirrord.ImageInfo{
				Key:       mirrord.ImageKey{Pool: mirrord.PoolID(pool), Image: mirrord.ImageID(args[2])},
				Name:      name,
				Size:      size,
				Mirroring: !disabled,
			}
			if err := catalog.PutImage(cmd.Context(), args[0], info); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("image %s on %s, mirroring %s",
				info.Key, args[0], ui.Mirroring(info.Mirroring)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Register the image with mirroring disabled")
	cmd.Flags().StringVar(&name, "name", "", "Image name (defaults to the image id)")
	cmd.Flags().Uint64Var(&size, "size", 0, "Image size in bytes")
	return cmd
}
