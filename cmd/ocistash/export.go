package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/ocistash/internal/config"
	"github.com/BadgerOps/ocistash/internal/engine"
)

var (
	exportTo           string
	exportRepositories string
	exportSplitSize    string
	exportCompression  string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export repository versions for transfer to offline environments",
		Long: `Export the latest version of each repository into split compressed tar
archives with a manifest and sha256 checksums, ready to be carried to a
disconnected machine and loaded with "ocistash import".

The --to flag is required and names the output directory. By default every
repository is exported; use --repository to pick specific ones.`,
		Example: `  ocistash export --to /mnt/transfer-disk
  ocistash export --to /mnt/usb --repository team/app,base/ubi9
  ocistash export --to /mnt/transfer --split-size 4GB --compression xz`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportTo, "to", "", "output directory for exported content (required)")
	cmd.Flags().StringVar(&exportRepositories, "repository", "", "comma-separated list of repositories to export")
	cmd.Flags().StringVar(&exportSplitSize, "split-size", "", "split archives at this size (default export.split_size)")
	cmd.Flags().StringVar(&exportCompression, "compression", "zstd", "compression format (zstd, xz)")

	if err := cmd.MarkFlagRequired("to"); err != nil {
		panic(err)
	}

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	var repos []string
	for _, r := range strings.Split(exportRepositories, ",") {
		if r = strings.TrimSpace(r); r != "" {
			repos = append(repos, r)
		}
	}

	var splitSize int64
	if exportSplitSize != "" {
		n, err := config.ParseSize(exportSplitSize)
		if err != nil {
			return fmt.Errorf("invalid split size %q: %w", exportSplitSize, err)
		}
		splitSize = n
	}

	fmt.Printf("Exporting to %s...\n", exportTo)
	if len(repos) > 0 {
		fmt.Printf("  Repositories: %s\n", strings.Join(repos, ", "))
	} else {
		fmt.Println("  Repositories: all")
	}
	fmt.Printf("  Compression: %s\n", exportCompression)
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := globalEngine.Export(ctx, engine.ExportOptions{
		OutputDir:    exportTo,
		Repositories: repos,
		SplitSize:    splitSize,
		Compression:  exportCompression,
	})
	if err != nil {
		log.Error("export failed", "error", err)
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Println("Export complete:")
	fmt.Printf("  Repositories: %d\n", report.Repositories)
	fmt.Printf("  Archives: %d\n", len(report.Archives))
	fmt.Printf("  Artifacts: %d\n", report.TotalArtifacts)
	fmt.Printf("  Total size: %s\n", formatBytes(report.TotalSize))
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Second))
	fmt.Printf("  Manifest: %s\n", report.ManifestPath)
	for _, a := range report.Archives {
		fmt.Printf("  - %s (%s)\n", a.Name, formatBytes(a.Size))
	}
	return nil
}
