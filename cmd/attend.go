package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/roster"
	"github.com/kozaktomas/smart-attendance/internal/session"
	"github.com/spf13/cobra"
)

var attendCmd = &cobra.Command{
	Use:   "attend <frames-dir>",
	Short: "Take attendance over a directory of camera frames",
	Long: `Open a session, feed every image of a directory through the
recognition pipeline in file-name order, then close the session.

Each frame's outcome is printed. With --csv the session ledger is
written as name,roll_no,timestamp,... rows.

Examples:
  smart-attendance attend frames/
  smart-attendance attend frames/ --session period-3 --csv attendance.csv
  smart-attendance attend frames/ --threshold 0.35`,
	Args: cobra.ExactArgs(1),
	RunE: runAttend,
}

func init() {
	rootCmd.AddCommand(attendCmd)

	attendCmd.Flags().String("session", "", "Session id (default: generated)")
	attendCmd.Flags().Float64("threshold", -1, "Maximum cosine distance for a match (default from ATTENDANCE_THRESHOLD)")
	attendCmd.Flags().Float64("margin", -1, "Ambiguity margin (default from ATTENDANCE_AMBIGUITY_MARGIN)")
	attendCmd.Flags().String("csv", "", "Write the session ledger to this CSV file")
}

func runAttend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	framesDir := args[0]

	frames, err := roster.Images(framesDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no images found in %s", framesDir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()
	defer svc.Close()

	req := attendance.SessionRequest{ID: mustGetString(cmd, "session"), Open: true}
	if v := mustGetFloat64(cmd, "threshold"); v >= 0 {
		req.Threshold = &v
	}
	if v := mustGetFloat64(cmd, "margin"); v >= 0 {
		req.AmbiguityMargin = &v
	}
	// Frames are processed after the fact; the session stays open until all are in.
	req.EndAt = svc.Clock().Now().AddDate(0, 0, 1)

	info, err := svc.CreateSession(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	fmt.Printf("Session %s open (threshold %.2f, %d identities)\n\n", info.ID, info.Params.Threshold, info.GallerySize)
	if warning := emptyGalleryWarning(info, cfg.Database.URL != ""); warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	counts := make(map[session.Outcome]int)
	for _, frame := range frames {
		data, err := os.ReadFile(frame)
		if err != nil {
			return fmt.Errorf("reading %s: %w", frame, err)
		}
		res, err := svc.Ingest(ctx, info.ID, data)
		if err != nil {
			return fmt.Errorf("processing %s: %w", frame, err)
		}
		counts[res.Outcome]++
		fmt.Println(formatOutcome(filepath.Base(frame), res))
	}

	closed, err := svc.CloseSession(info.ID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	fmt.Printf("\nSession %s closed: %d present\n", closed.ID, closed.PresentCount)
	for _, outcome := range []session.Outcome{
		session.OutcomeMarked, session.OutcomeAlreadyPresent, session.OutcomeNoMatch,
		session.OutcomeAmbiguous, session.OutcomeEncodingFailed, session.OutcomeEncodingTimeout,
	} {
		if counts[outcome] > 0 {
			fmt.Printf("  %-17s %d\n", outcome, counts[outcome])
		}
	}

	if path := mustGetString(cmd, "csv"); path != "" {
		entries, err := svc.Ledger(info.ID, false)
		if err != nil {
			return err
		}
		if err := writeLedgerFile(path, entries); err != nil {
			return err
		}
		fmt.Printf("\nLedger written to %s (%d entries)\n", path, len(entries))
	}
	return nil
}

// emptyGalleryWarning explains why every frame of a session without
// identities ends up as no_match. It returns "" when the gallery is not empty.
func emptyGalleryWarning(info session.Info, persisted bool) string {
	if info.GallerySize > 0 {
		return ""
	}
	if !persisted {
		return "Warning: DATABASE_URL is not set, so no enrolled identities were loaded; every frame will be no_match"
	}
	return "Warning: no identities are enrolled; every frame will be no_match"
}

// formatOutcome renders one probe result as a line of CLI output.
func formatOutcome(frame string, res session.ProbeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %-17s", frame, res.Outcome)
	switch res.Outcome {
	case session.OutcomeMarked, session.OutcomeAlreadyPresent:
		fmt.Fprintf(&b, " %s (%s) distance %.3f", res.Name, res.PersonID, res.Distance)
	case session.OutcomeNoMatch:
		if res.Match != nil && res.Match.Best != nil {
			fmt.Fprintf(&b, " nearest %s distance %.3f", res.Match.Best.PersonID, res.Match.Best.Distance)
		}
	case session.OutcomeAmbiguous:
		if res.Match != nil {
			ids := make([]string, len(res.Match.Candidates))
			for i, c := range res.Match.Candidates {
				ids[i] = c.PersonID
			}
			fmt.Fprintf(&b, " tied: %s", strings.Join(ids, ", "))
		}
	default:
		if res.Error != "" {
			fmt.Fprintf(&b, " %s", res.Error)
		}
	}
	return b.String()
}

func writeLedgerFile(path string, entries []ledger.Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := ledger.WriteCSV(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
