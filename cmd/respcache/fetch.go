package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/respcache/pkg/client"
)

func newFetchCmd() *cobra.Command {
	var printBody bool

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the cache and log the result and tier usage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			rt, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var failed int
			for _, u := range args {
				rt.logUsage("before")
				if err := rt.fetchOne(cmd, u, printBody); err != nil {
					logger.Error().Err(err).Str("url", u).Msg("Fetch failed")
					failed++
				}
				rt.logUsage("after")
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d fetches failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&printBody, "print", "p", false, "write response bodies to stdout")
	return cmd
}

func (rt *app) fetchOne(cmd *cobra.Command, url string, printBody bool) error {
	resp, err := rt.client.Get(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out io.Writer = io.Discard
	if printBody {
		out = cmd.OutOrStdout()
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	rt.logger.Info().
		Str("url", url).
		Int("status_code", resp.StatusCode).
		Str("cache", resp.Header.Get(client.CacheStatusHeader)).
		Str("content_type", resp.Header.Get("Content-Type")).
		Int64("bytes", n).
		Msg("Fetched")
	return nil
}
