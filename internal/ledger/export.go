package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the header row of exported attendance logs.
var CSVHeader = []string{"name", "roll_no", "timestamp", "session_id", "confidence", "distance", "entry_id", "supersedes", "note"}

// WriteCSV writes entries as an attendance log.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.Name,
			e.PersonID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.SessionID,
			strconv.FormatFloat(e.Confidence, 'f', 4, 64),
			strconv.FormatFloat(e.Distance, 'f', 4, 64),
			e.ID,
			e.Supersedes,
			e.Note,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// WriteJSON writes entries as an indented JSON array.
func WriteJSON(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	return nil
}
