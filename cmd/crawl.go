package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

// newCrawlCmd groups the crawl lifecycle commands.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts, stops and inspects crawls",
	}
	cmd.AddCommand(newCrawlStartCmd())
	cmd.AddCommand(newCrawlStopCmd())
	cmd.AddCommand(newCrawlResetCursorCmd())
	return cmd
}

type crawlStartOptions struct {
	paramsFile  string
	crawlType   string
	seeds       []string
	seedFile    string
	archiveType string
	archivePath string
	classifiers []string
	description string
	maxDepth    int
	pageRange   int
}

func newCrawlStartCmd() *cobra.Command {
	var opts crawlStartOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Requests a new crawl",
		Long: `Queues a start request for the producer. Parameters come from a YAML
file (--params) and are overridden by any flags given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := opts.params(cmd)
			if err != nil {
				return err
			}
			return withAdmin(cmd, func(ctx context.Context, admin Admin) error {
				ts, err := admin.RequestStart(ctx, params)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "crawl %s requested\n", ts)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.paramsFile, "params", "", "YAML file of crawl parameters")
	f.StringVar(&opts.crawlType, "type", string(crawl.CrawlTypeWeb), "crawl type: web or archive")
	f.StringSliceVar(&opts.seeds, "seed", nil, "seed site (repeatable)")
	f.StringVar(&opts.seedFile, "seed-file", "", "file with one seed site per line (\"-\" reads stdin)")
	f.StringVar(&opts.archiveType, "archive-type", "", "archive source type for archive crawls")
	f.StringVar(&opts.archivePath, "archive-path", "", "archive location for archive crawls")
	f.StringSliceVar(&opts.classifiers, "classifier", nil, "classifier name (repeatable)")
	f.StringVar(&opts.description, "description", "", "free-form crawl description")
	f.IntVar(&opts.maxDepth, "max-depth", 0, "maximum link depth")
	f.IntVar(&opts.pageRange, "page-range", 0, "maximum pages per site")
	return cmd
}

// params merges the YAML file with explicitly set flags.
func (o crawlStartOptions) params(cmd *cobra.Command) (status.CrawlParams, error) {
	var p status.CrawlParams
	if o.paramsFile != "" {
		raw, err := os.ReadFile(o.paramsFile)
		if err != nil {
			return p, fmt.Errorf("read params file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("parse params file: %w", err)
		}
	}
	f := cmd.Flags()
	if o.paramsFile == "" || f.Changed("type") {
		p.CrawlType = crawl.CrawlType(o.crawlType)
	}
	if f.Changed("seed") {
		p.SeedSites = o.seeds
	}
	if o.seedFile != "" {
		seeds, err := readURLs(cmd.InOrStdin(), o.seedFile)
		if err != nil {
			return p, err
		}
		p.SeedSites = append(p.SeedSites, seeds...)
	}
	if f.Changed("archive-type") {
		p.ArchiveType = o.archiveType
	}
	if f.Changed("archive-path") {
		p.ArchivePath = o.archivePath
	}
	if f.Changed("classifier") {
		p.Classifiers = o.classifiers
	}
	if f.Changed("description") {
		p.Description = o.description
	}
	if f.Changed("max-depth") {
		p.MaxDepth = o.maxDepth
	}
	if f.Changed("page-range") {
		p.PageRange = o.pageRange
	}
	return p, nil
}

func newCrawlStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Requests the active crawl to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin Admin) error {
				if err := admin.RequestStop(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
				return nil
			})
		},
	}
}

func newCrawlResetCursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor CRAWL_TIME",
		Short: "Deletes the archive cursor of a crawl so it restarts from the first partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := crawl.ParseTimestamp(args[0])
			return withAdmin(cmd, func(ctx context.Context, admin Admin) error {
				return admin.ClearArchiveCursor(ctx, ts)
			})
		},
	}
}
