package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print or export the attendance ledger",
	Long: `Print the attendance ledger of one session or one person from PostgreSQL.

With --effective, corrections and the entries they retract are left out.

Examples:
  smart-attendance ledger --session period-3
  smart-attendance ledger --session period-3 --effective --output period-3.csv
  smart-attendance ledger --person 2021CS042 --format json`,
	RunE: runLedger,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.Flags().String("session", "", "Session id")
	ledgerCmd.Flags().String("person", "", "Person id (roll number)")
	ledgerCmd.Flags().String("format", "csv", "Output format: csv or json")
	ledgerCmd.Flags().Bool("effective", false, "Leave out corrections and retracted entries")
	ledgerCmd.Flags().String("output", "", "Write to file instead of stdout")
}

func runLedger(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	sessionID := mustGetString(cmd, "session")
	personID := mustGetString(cmd, "person")
	format := mustGetString(cmd, "format")
	effective := mustGetBool(cmd, "effective")
	output := mustGetString(cmd, "output")

	if (sessionID == "") == (personID == "") {
		return errors.New("exactly one of --session or --person is required")
	}
	if format != "csv" && format != "json" {
		return fmt.Errorf("unsupported format %q (use csv or json)", format)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := requireStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()

	all, err := store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	l := ledger.New()
	if err := l.Load(all); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}

	entries := selectEntries(l, sessionID, personID, effective)

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	if format == "json" {
		err = ledger.WriteJSON(w, entries)
	} else {
		err = ledger.WriteCSV(w, entries)
	}
	if err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d entries to %s\n", len(entries), output)
	}
	return nil
}

// selectEntries picks the entries of a session or a person.
func selectEntries(l *ledger.Ledger, sessionID, personID string, effective bool) []ledger.Entry {
	if sessionID != "" {
		if effective {
			return l.Effective(sessionID)
		}
		return l.Query(sessionID)
	}

	entries := l.QueryByPerson(personID)
	if !effective {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.IsCorrection() || l.Retracted(e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out
}
