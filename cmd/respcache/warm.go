package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/respcache/pkg/prefetch"
)

func newWarmCmd() *cobra.Command {
	var urlFile string

	cmd := &cobra.Command{
		Use:   "warm [URL...]",
		Short: "Fetch URLs in parallel so their responses are cached",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if urlFile != "" {
				fromFile, err := readURLFile(urlFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			rt, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.logUsage("before")
			warmer := prefetch.NewWarmer(rt.client, cfg.PrefetchOptions()).
				WithLogger(logger.With().Str("component", "prefetch").Logger())
			report, err := warmer.Warm(cmd.Context(), urls)
			rt.logUsage("after")

			for _, res := range report.Results {
				if res.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\terror\t%v\n", res.URL, res.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%d\n", res.URL, res.StatusCode, res.CacheStatus, res.Bytes)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&urlFile, "file", "f", "", "file with one URL per line (# starts a comment)")
	return cmd
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
