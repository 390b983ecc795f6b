package exporter

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"devicehub/internal/presence"
	"devicehub/internal/storage"
)

// Sheet names of the workbook.
const (
	LicensesSheet = "Licenses"
	DevicesSheet  = "Devices"
)

var (
	licenseHeaders = []string{"Key", "Activated", "Bound Device", "Activated At", "Device Name", "Device Model", "Assigned Package"}
	deviceHeaders  = []string{"Device ID", "State", "Transport", "Display Name", "Model", "App Version", "Source Address", "License", "Last Seen"}
)

// Report is the data behind one export.
type Report struct {
	Licenses    []storage.LicenseRecord
	Devices     []presence.Session
	GeneratedAt time.Time
}

func licenseRow(r storage.LicenseRecord) []string {
	return []string{
		r.Key,
		formatBool(r.Activated),
		r.BoundDeviceID,
		formatTimePtr(r.ActivatedAt),
		r.ActivatedByName,
		r.ActivatedByModel,
		r.AssignedPackageRef,
	}
}

func deviceRow(s presence.Session) []string {
	return []string{
		s.DeviceID,
		string(s.State),
		s.TransportID,
		s.DisplayName,
		s.Model,
		s.AppVersion,
		s.SourceAddress,
		s.LicenseKey,
		formatTime(s.LastSeenAt),
	}
}

// WriteWorkbook writes report as an .xlsx workbook to w.
func WriteWorkbook(w io.Writer, report Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", LicensesSheet); err != nil {
		return fmt.Errorf("failed to name licenses sheet: %w", err)
	}
	if _, err := f.NewSheet(DevicesSheet); err != nil {
		return fmt.Errorf("failed to create devices sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	licenseRows := make([][]string, 0, len(report.Licenses))
	for _, r := range report.Licenses {
		licenseRows = append(licenseRows, licenseRow(r))
	}
	if err := writeSheet(f, LicensesSheet, licenseHeaders, licenseRows, headerStyle); err != nil {
		return err
	}

	deviceRows := make([][]string, 0, len(report.Devices))
	for _, s := range report.Devices {
		deviceRows = append(deviceRows, deviceRow(s))
	}
	if err := writeSheet(f, DevicesSheet, deviceHeaders, deviceRows, headerStyle); err != nil {
		return err
	}

	if !report.GeneratedAt.IsZero() {
		if err := f.SetDocProps(&excelize.DocProperties{
			Title:   "devicehub license report",
			Created: report.GeneratedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to set document properties: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]string, headerStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open %s sheet: %w", sheet, err)
	}

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: h}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}

	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(axis, cells); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s sheet: %w", sheet, err)
	}
	return nil
}
