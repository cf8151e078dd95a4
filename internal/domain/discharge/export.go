package discharge

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const registerSheet = "Gate Passes"

// RegisterHeader is the header row of the discharge register export.
var RegisterHeader = []string{
	"Gate Pass No.",
	"Visit ID",
	"Patient ID",
	"Patient Name",
	"Discharge Date",
	"Discharge Mode",
	"Bill Paid",
	"Payment Amount",
	"Barcode",
	"Issued At",
}

var registerColumnWidths = []float64{22, 16, 16, 28, 20, 22, 10, 16, 36, 20}

// ExportRegister writes the discharge register as an XLSX workbook.
func ExportRegister(passes []*GatePass) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", registerSheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for col, header := range RegisterHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(registerSheet, cell, header); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(registerSheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("style header %s: %w", cell, err)
		}
		colName, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(registerSheet, colName, colName, registerColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, gp := range passes {
		row := []any{
			gp.GatePassNumber,
			gp.VisitID,
			gp.PatientID,
			gp.PatientName,
			gp.DischargeDate.Format("2006-01-02 15:04"),
			string(gp.DischargeMode),
			yesNo(gp.BillPaid),
			gp.PaymentAmount,
			gp.BarcodeData,
			gp.CreatedAt.Format("2006-01-02 15:04"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(registerSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
