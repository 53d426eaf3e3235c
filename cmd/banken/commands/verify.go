package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Banken/internal/audit"
)

// verifyCmd runs an on-demand integrity check over one day's entries.
var verifyCmd = &cobra.Command{
	Use:   "verify [date]",
	Short: "Verify audit trail integrity for a day",
	Long: `Recompute the digest of every audit entry for the given day
(YYYY-MM-DD, default yesterday) and print the integrity report.

Examples:
  # Verify yesterday
  banken verify

  # Verify a specific day
  banken verify 2026-08-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	day := time.Now().UTC().AddDate(0, 0, -1)
	if len(args) == 1 {
		day, err = time.Parse("2006-01-02", args[0])
		if err != nil {
			return fmt.Errorf("invalid date %q, want YYYY-MM-DD", args[0])
		}
	}

	logs, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Sync()
	logger := logs.GetLogger("verify")

	store, err := audit.OpenStore(logger, cfg.Audit.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	trail, err := audit.NewTrail(logger, store, cfg.Audit)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	report, err := trail.VerifyDay(ctx, day)
	if err != nil {
		return err
	}

	fmt.Printf("Integrity report for %s\n", report.Date)
	fmt.Printf("  Total logs:      %d\n", report.TotalLogs)
	fmt.Printf("  Valid logs:      %d\n", report.ValidLogs)
	fmt.Printf("  Invalid logs:    %d\n", report.InvalidLogs)
	fmt.Printf("  Integrity score: %.1f\n", report.IntegrityScore)
	fmt.Printf("  Daily checksum:  %s\n", report.DailyChecksum)

	if report.InvalidLogs > 0 {
		return fmt.Errorf("%d entries failed verification", report.InvalidLogs)
	}
	return nil
}
