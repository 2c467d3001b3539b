package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"time"
)

var csvHeader = []string{"at", "subject_kind", "subject_id", "action", "actor", "metadata"}

// WriteCSV renders entries as CSV in the order given.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		meta := ""
		if len(entry.Metadata) > 0 {
			raw, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		record := []string{
			entry.At.UTC().Format(time.RFC3339),
			string(entry.Subject.Kind),
			entry.Subject.ID,
			entry.Action,
			entry.Actor,
			meta,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
