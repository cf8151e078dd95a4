package discharge

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"image/png"
	"io"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
)

const (
	barcodeWidth  = 420
	barcodeHeight = 90
)

// BarcodePNG renders data as a Code 128 barcode image.
func BarcodePNG(data string) ([]byte, error) {
	bc, err := code128.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode barcode: %w", err)
	}
	width := barcodeWidth
	if w := bc.Bounds().Dx(); w > width {
		width = w
	}
	scaled, err := barcode.Scale(bc, width, barcodeHeight)
	if err != nil {
		return nil, fmt.Errorf("scale barcode: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode barcode png: %w", err)
	}
	return buf.Bytes(), nil
}

var gatePassTemplate = template.Must(template.New("gatepass").Funcs(template.FuncMap{
	"date": func(t interface{ Format(string) string }) string { return t.Format("02 Jan 2006 15:04") },
	"yesno": yesNo,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Gate Pass {{.GatePassNumber}}</title>
<style>
body { font-family: sans-serif; margin: 24px; }
table { border-collapse: collapse; }
td { padding: 4px 12px 4px 0; }
.barcode { margin-top: 16px; }
</style>
</head>
<body>
<h1>Patient Gate Pass</h1>
<table>
<tr><td>Gate pass no.</td><td>{{.GatePassNumber}}</td></tr>
<tr><td>Visit</td><td>{{.VisitID}}</td></tr>
<tr><td>Patient</td><td>{{.PatientName}} ({{.PatientID}})</td></tr>
<tr><td>Admitted</td><td>{{date .AdmittedAt}}</td></tr>
<tr><td>Discharged</td><td>{{date .DischargeDate}}</td></tr>
<tr><td>Discharge mode</td><td>{{.DischargeMode}}</td></tr>
<tr><td>Bill paid</td><td>{{yesno .BillPaid}}{{if .BillPaid}} ({{printf "%.2f" .PaymentAmount}}){{end}}</td></tr>
<tr><td>Doctor signature</td><td>{{yesno .Signatures.Doctor}}</td></tr>
<tr><td>Patient signature</td><td>{{yesno .Signatures.Patient}}</td></tr>
{{- with .Signatures.Issuer}}
<tr><td>Issued by</td><td>{{.}}</td></tr>
{{- end}}
</table>
<div class="barcode"><img alt="{{.BarcodeData}}" src="{{.BarcodeImage}}"><div>{{.BarcodeData}}</div></div>
</body>
</html>
`))

type gatePassPage struct {
	*GatePassPrint
	BarcodeImage template.URL
}

// RenderGatePass writes the printable HTML gate pass.
func RenderGatePass(w io.Writer, p *GatePassPrint) error {
	img, err := BarcodePNG(p.BarcodeData)
	if err != nil {
		return err
	}
	page := gatePassPage{
		GatePassPrint: p,
		BarcodeImage:  template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(img)),
	}
	if err := gatePassTemplate.Execute(w, page); err != nil {
		return fmt.Errorf("render gate pass: %w", err)
	}
	return nil
}
