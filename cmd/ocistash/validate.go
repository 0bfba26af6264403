package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify stored content against its digests",
		Long: `Re-hash every catalogued blob and manifest file in the artifact store and
report files that are missing or whose content no longer matches the digest
they were stored under.`,
		Example: `  ocistash validate
  ocistash validate --log-format json`,
		RunE: validateRun,
	}

	return cmd
}

func validateRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	fmt.Println("Validating artifacts...")
	fmt.Println()

	report, err := globalEngine.Validate(context.Background())
	if err != nil {
		return err
	}

	if len(report.Corrupt) > 0 {
		fmt.Println("Corrupt artifacts:")
		for _, c := range report.Corrupt {
			fmt.Printf("  - %s %s\n", c.Kind, c.Digest)
			fmt.Printf("    Path:  %s\n", c.Path)
			fmt.Printf("    Error: %s\n", c.Error)
		}
		fmt.Println()
	}

	fmt.Println("=== VALIDATION SUMMARY ===")
	fmt.Printf("Checked: %d\n", report.Checked)
	fmt.Printf("Valid:   %d\n", report.Valid)
	fmt.Printf("Corrupt: %d\n", len(report.Corrupt))

	if len(report.Corrupt) > 0 {
		log.Warn("validation found corrupt artifacts", "count", len(report.Corrupt))
		return fmt.Errorf("validation failed: %d corrupt artifacts", len(report.Corrupt))
	}
	return nil
}
