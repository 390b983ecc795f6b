package exporter

import (
	"encoding/csv"
	"fmt"
	"io"

	"devicehub/internal/storage"
)

// WriteLicensesCSV writes the license table as CSV, prefixed with a UTF-8
// BOM for Excel compatibility.
func WriteLicensesCSV(w io.Writer, licenses []storage.LicenseRecord) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(licenseHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, r := range licenses {
		if err := writer.Write(licenseRow(r)); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
