package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manages URL schedules of the active crawl",
	}
	cmd.AddCommand(newSchedulePushCmd())
	return cmd
}

func newSchedulePushCmd() *cobra.Command {
	var (
		file   string
		origin string
	)
	cmd := &cobra.Command{
		Use:   "push [URL...]",
		Short: "Pushes URLs into the schedule queue of the active crawl",
		Long: `Pushes URLs given as arguments, or one per line from --file ("-" reads
stdin), as a single schedule batch for the active crawl.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if file != "" {
				fromFile, err := readURLs(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no urls given")
			}
			return withAdmin(cmd, func(ctx context.Context, admin Admin) error {
				ts, n, err := admin.PushSchedule(ctx, urls, origin)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d urls to crawl %s\n", n, ts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file with one URL per line")
	cmd.Flags().StringVar(&origin, "origin", "cli", "origin recorded on the batch")
	return cmd
}

// readURLs reads non-blank, non-comment lines.
func readURLs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
