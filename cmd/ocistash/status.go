package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var (
	statusRemote string
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display synchronization status of remotes",
		Long: `Display the current state of all or specific remotes: the latest repository
version, how many tags it holds, when the last sync ran and how it ended, and
how many tags are waiting to be retried.

Use --failed to list the outstanding failures of each remote.`,
		Example: `  ocistash status
  ocistash status --remote quay
  ocistash status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusRemote, "remote", "", "comma-separated list of remotes to show status for")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "list unresolved failures")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	statuses := globalEngine.Status(context.Background())

	var remotes []string
	if statusRemote != "" {
		for _, r := range strings.Split(statusRemote, ",") {
			remotes = append(remotes, strings.TrimSpace(r))
		}
	} else {
		for name := range statuses {
			remotes = append(remotes, name)
		}
		sort.Strings(remotes)
	}

	if len(remotes) == 0 {
		fmt.Println("No remotes configured")
		return nil
	}

	fmt.Println("Remote Status")
	fmt.Println("=============")
	fmt.Println("")
	fmt.Printf("%-20s %-30s %8s %6s %8s %10s %17s\n", "Remote", "Repository", "Version", "Tags", "Failed", "Status", "Last Sync")
	fmt.Println(strings.Repeat("-", 105))

	for _, name := range remotes {
		st, ok := statuses[name]
		if !ok {
			log.Warn("unknown remote", "remote", name)
			continue
		}

		lastSync := "never"
		if !st.LastSync.IsZero() {
			lastSync = st.LastSync.Format("2006-01-02 15:04")
		}
		lastStatus := st.LastStatus
		if lastStatus == "" {
			lastStatus = "-"
		}

		fmt.Printf("%-20s %-30s %8d %6d %8d %10s %17s\n",
			name,
			st.Repository,
			st.LatestVersion,
			st.Tags,
			st.FailedContent,
			lastStatus,
			lastSync,
		)
	}
	fmt.Println("")

	if stats, err := globalStore.Stats(context.Background()); err == nil {
		fmt.Printf("Catalogue: %d repositories, %d manifests, %d blobs (%s), %d signatures\n",
			stats.Repositories, stats.Manifests, stats.Blobs, formatBytes(stats.BlobBytes), stats.Signatures)
	} else {
		log.Warn("failed to collect catalogue stats", "error", err)
	}

	if !statusFailed {
		return nil
	}

	for _, name := range remotes {
		records, err := globalStore.ListFailedContent(name)
		if err != nil {
			return fmt.Errorf("listing failures for %s: %w", name, err)
		}
		if len(records) == 0 {
			continue
		}
		fmt.Printf("\n%s failures:\n", name)
		for _, rec := range records {
			fmt.Printf("  - %s (retries: %d, last: %s): %s\n",
				rec.Reference, rec.RetryCount, rec.LastFailure.Format("2006-01-02 15:04"), rec.Error)
		}
	}
	return nil
}

// formatBytes formats a byte count into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
