package reports

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/qualys/sbcompliance/internal/models"
)

// StreamEvidenceCSV writes records as CSV, one row per record. Details are
// serialized as a JSON object in the last column.
func StreamEvidenceCSV(w io.Writer, records []models.EvidenceRecord) error {
	csvWriter := csv.NewWriter(w)

	header := []string{"ID", "Timestamp", "Project", "Action", "Status", "Details"}
	if err := csvWriter.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		details, err := json.Marshal(r.Details)
		if err != nil {
			return err
		}
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Ref(),
			r.Action,
			string(r.Status),
			string(details),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}
