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

	"github.com/BadgerOps/ocistash/internal/engine"
)

var (
	pushTarget  string
	pushTags    []string
	pushVersion int
	pushDryRun  bool
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push REPOSITORY",
		Short: "Push a repository version to a target registry",
		Long: `Push the tags of a repository version to a registry configured under
"targets". Blobs are uploaded first, then manifests (entries before the lists
that reference them), then tags. Content the target already holds is not sent
again, and manifests keep their digests.

Signatures are not pushed.`,
		Example: `  ocistash push team/app --target disconnected
  ocistash push team/app --target disconnected --tag 1.0 --version 3
  ocistash push team/app --target disconnected --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: pushRun,
	}

	cmd.Flags().StringVar(&pushTarget, "target", "", "target registry name from the config (required)")
	cmd.Flags().StringSliceVar(&pushTags, "tag", nil, "push only these tags")
	cmd.Flags().IntVar(&pushVersion, "version", 0, "repository version to push (default latest)")
	cmd.Flags().BoolVar(&pushDryRun, "dry-run", false, "show what would be pushed without uploading")

	if err := cmd.MarkFlagRequired("target"); err != nil {
		panic(err)
	}

	return cmd
}

func pushRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}
	if pushVersion < 0 {
		return fmt.Errorf("invalid version %d", pushVersion)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := globalEngine.Push(ctx, engine.PushOptions{
		Repository: args[0],
		Target:     pushTarget,
		Version:    pushVersion,
		Tags:       pushTags,
		DryRun:     pushDryRun,
	})
	if report != nil {
		printPushReport(report)
	}
	if err != nil {
		log.Error("push failed", "repository", args[0], "target", pushTarget, "error", err)
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

func printPushReport(report *engine.PushReport) {
	verb := "Pushed"
	if report.DryRun {
		verb = "Would push"
	}
	fmt.Printf("%s %s version %d to %s:\n", verb, report.Repository, report.Version, report.Destination)
	fmt.Printf("  Tags: %s\n", strings.Join(report.TagsPushed, ", "))
	fmt.Printf("  Manifests: %d\n", report.ManifestsPushed)
	fmt.Printf("  Blobs: %d (%s)\n", report.BlobsProcessed, formatBytes(report.BytesProcessed))
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Printf("  FAILED: %s\n", f)
	}
}
