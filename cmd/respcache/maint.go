package main

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/respcache/pkg/cache"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Open the spill tier and print its recovered usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := openSpill(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tier:    %s\n", store.Name())
			fmt.Fprintf(out, "entries: %d\n", store.Len())
			fmt.Fprintf(out, "usage:   %s (%d bytes)\n", units.BytesSize(float64(store.Usage())), store.Usage())
			if disk, ok := store.(*cache.DiskStore); ok {
				rec := disk.Recovery()
				fmt.Fprintf(out, "budget:  %s\n", units.BytesSize(float64(disk.Budget())))
				fmt.Fprintf(out, "discarded on load: %d\n", rec.Discarded)
				fmt.Fprintf(out, "evicted on load:   %d\n", rec.Evicted)
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every entry from the spill tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := openSpill(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			entries := store.Len()
			if err := store.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("purge %s tier: %w", store.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries from %s tier\n", entries, store.Name())
			return nil
		},
	}
}
