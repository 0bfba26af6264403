package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/ocistash/internal/engine"
)

var (
	importFrom       string
	importVerifyOnly bool
	importMirror     bool
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import exported repository versions from offline media",
		Long: `Import a transfer package written by "ocistash export". Every archive is
checked against its recorded sha256 before anything is stored, and every
artifact is re-hashed as it is written. Each repository in the package gets
a new version holding the exported tags and signatures.

Use --verify-only to check the archives without importing them.
Use --mirror to make the new versions hold exactly the exported content.`,
		Example: `  ocistash import --from /mnt/usb
  ocistash import --from /mnt/transfer-disk --verify-only
  ocistash import --from /media/offline --mirror`,
		RunE: importRun,
	}

	cmd.Flags().StringVar(&importFrom, "from", "", "directory containing the transfer package (required)")
	cmd.Flags().BoolVar(&importVerifyOnly, "verify-only", false, "verify archives without importing")
	cmd.Flags().BoolVar(&importMirror, "mirror", false, "replace repository content instead of adding to it")

	if err := cmd.MarkFlagRequired("from"); err != nil {
		panic(err)
	}

	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	fmt.Printf("Importing from %s...\n", importFrom)
	if importVerifyOnly {
		fmt.Println("  Mode: verify only")
	}
	if importMirror {
		fmt.Println("  Mode: mirror")
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := globalEngine.Import(ctx, engine.ImportOptions{
		SourceDir:  importFrom,
		VerifyOnly: importVerifyOnly,
		Mirror:     importMirror,
	})
	if report != nil {
		printImportReport(report)
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}

func printImportReport(report *engine.ImportReport) {
	fmt.Println("Import results:")
	fmt.Printf("  Archives validated: %d\n", report.ArchivesValidated)
	fmt.Printf("  Archives failed: %d\n", report.ArchivesFailed)
	fmt.Printf("  Artifacts imported: %d\n", report.ArtifactsImported)
	fmt.Printf("  Artifacts already present: %d\n", report.ArtifactsSkipped)
	fmt.Printf("  Total size: %s\n", formatBytes(report.TotalSize))
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Second))

	names := make([]string, 0, len(report.Versions))
	for name := range report.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  - %s -> version %d\n", name, report.Versions[name])
	}

	if len(report.Errors) > 0 {
		fmt.Println("  Errors:")
		for _, e := range report.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}
}
