package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/ocistash/internal/engine"
)

var (
	syncDryRun bool
	syncTags   []string
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [REMOTE...]",
		Short: "Synchronize images from configured remotes",
		Long: `Synchronize images from configured remotes. Without arguments every remote
in the config file is synced, in name order.

For each remote the sync will:
  1. List upstream tags (following pagination) and apply include/exclude filters
  2. Fetch each manifest, reusing stored content when the digest is unchanged
  3. Download missing blobs concurrently and verify their digests
  4. Probe the sigstore for atomic signatures when one is configured
  5. Commit a new repository version (or keep the current one if nothing changed)

Tags that fail are recorded and retried on the next run.`,
		Example: `  ocistash sync
  ocistash sync quay docker-hub
  ocistash sync quay --tag latest --tag 1.2
  ocistash sync --dry-run`,
		RunE: syncRun,
	}

	cmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "list the tags that would be synced without downloading")
	cmd.Flags().StringSliceVar(&syncTags, "tag", nil, "sync only these tags (filters still apply)")

	return cmd
}

func syncRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	remotes := args
	if len(remotes) == 0 {
		for name := range globalCfg.Remotes {
			remotes = append(remotes, name)
		}
		sort.Strings(remotes)
	}

	if len(remotes) == 0 {
		log.Warn("no remotes to sync")
		return nil
	}

	log.Info("sync operation", "remotes", remotes, "dry_run", syncDryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := engine.SyncOptions{DryRun: syncDryRun, Tags: syncTags}

	if syncDryRun {
		fmt.Println("DRY RUN: the following tags would be synced:")
	}

	var totalTags, totalFailed, totalBlobs int
	var totalBytes int64
	var errs []error

	for _, name := range remotes {
		report, err := globalEngine.SyncRemote(ctx, name, opts)
		if err != nil {
			fmt.Printf("  ERROR: %s - %v\n", name, err)
			errs = append(errs, fmt.Errorf("remote %s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		totalTags += len(report.Tags)
		totalFailed += len(report.Failed)
		totalBlobs += report.BlobsDownloaded
		totalBytes += report.BytesTransferred
		printSyncReport(report)
	}

	fmt.Println("\n=== SYNC SUMMARY ===")
	fmt.Printf("Remotes:          %d\n", len(remotes))
	fmt.Printf("Tags Synced:      %d\n", totalTags)
	fmt.Printf("Tags Failed:      %d\n", totalFailed)
	if !syncDryRun {
		fmt.Printf("Blobs Downloaded: %d\n", totalBlobs)
		fmt.Printf("Bytes:            %s\n", formatBytes(totalBytes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if totalFailed > 0 {
		return fmt.Errorf("sync completed with %d failed tags", totalFailed)
	}
	return nil
}

func printSyncReport(report *engine.SyncReport) {
	fmt.Printf("\n%s (%s):\n", report.Remote, report.Repository)
	if report.DryRun {
		for _, tag := range report.Tags {
			fmt.Printf("  - %s\n", tag)
		}
		return
	}

	version := "-"
	if report.Version != nil {
		version = fmt.Sprintf("%d", report.Version.Number)
	}
	fmt.Printf("  Version:          %s\n", version)
	fmt.Printf("  Tags:             %d\n", len(report.Tags))
	fmt.Printf("  Manifests Added:  %d\n", report.ManifestsAdded)
	fmt.Printf("  Blobs Downloaded: %d\n", report.BlobsDownloaded)
	fmt.Printf("  Blobs Reused:     %d\n", report.BlobsSkipped)
	fmt.Printf("  Signatures:       %d\n", report.SignaturesSynced)
	fmt.Printf("  Bytes:            %s\n", formatBytes(report.BytesTransferred))
	fmt.Printf("  Duration:         %s\n", report.EndTime.Sub(report.StartTime).Round(time.Millisecond))

	if len(report.Failed) > 0 {
		fmt.Printf("  Failed:           %d\n", len(report.Failed))
		for _, ft := range report.Failed {
			fmt.Printf("    - %s: %s\n", ft.Tag, ft.Error)
		}
	}
}
