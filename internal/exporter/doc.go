// Package exporter renders operator reports of licenses and devices.
//
// WriteWorkbook produces an Excel workbook with a Licenses sheet and a
// Devices sheet. WriteLicensesCSV writes the license table as CSV with a
// UTF-8 BOM so spreadsheet tools detect the encoding.
//
// Example usage:
//
//	report := exporter.Report{Licenses: recs, Devices: registry.Snapshot()}
//	err := exporter.WriteWorkbook(w, report)
package exporter
