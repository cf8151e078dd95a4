package discharge

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestExportRegister(t *testing.T) {
	p := testPrint()
	data, err := ExportRegister([]*GatePass{&p.GatePass})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(registerSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	if rows[0][0] != "Gate Pass No." || len(rows[0]) != len(RegisterHeader) {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "GP-20240310-000001" || rows[1][1] != "V1" || rows[1][6] != "Yes" {
		t.Errorf("unexpected row %v", rows[1])
	}
	if rows[1][8] != "GP-20240310-000001-V1" {
		t.Errorf("expected barcode column, got %q", rows[1][8])
	}
}

func TestExportRegister_Empty(t *testing.T) {
	data, err := ExportRegister(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	if name := f.GetSheetName(f.GetActiveSheetIndex()); name != registerSheet {
		t.Errorf("expected active sheet %q, got %q", registerSheet, name)
	}
}
