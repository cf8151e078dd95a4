package discharge

import (
	"fmt"
	"time"

	"github.com/hms/ipd/internal/platform/recordstore"
)

// DischargeMode is how the patient leaves the ward.
type DischargeMode string

const (
	ModeRecovery           DischargeMode = "recovery"
	ModeLAMA               DischargeMode = "LAMA"
	ModeDeath              DischargeMode = "death"
	ModeTransfer           DischargeMode = "transfer"
	ModeDischargeOnRequest DischargeMode = "discharge_on_request"
)

// Valid reports whether m is one of the known discharge modes.
func (m DischargeMode) Valid() bool {
	switch m {
	case ModeRecovery, ModeLAMA, ModeDeath, ModeTransfer, ModeDischargeOnRequest:
		return true
	}
	return false
}

// Checklist field names, as stored.
const (
	FieldDoctorSignature          = "doctor_signature"
	FieldDischargeSummaryUploaded = "discharge_summary_uploaded"
	FieldNurseClearance           = "nurse_clearance"
	FieldPharmacyClearance        = "pharmacy_clearance"
	FieldFinalBillGenerated       = "final_bill_generated"
	FieldFinalBillPrinted         = "final_bill_printed"
	FieldPaymentVerified          = "payment_verified"
	FieldGatePassGenerated        = "gate_pass_generated"
	FieldSecurityVerification     = "security_verification"
	FieldPatientSignature         = "patient_signature"

	FieldDischargeMode = "discharge_mode"
	FieldAuthorizedBy  = "authorized_by"
	FieldNotes         = "notes"
)

// FlagFields lists the ten checklist flags in display order.
var FlagFields = []string{
	FieldDoctorSignature,
	FieldDischargeSummaryUploaded,
	FieldNurseClearance,
	FieldPharmacyClearance,
	FieldFinalBillGenerated,
	FieldFinalBillPrinted,
	FieldPaymentVerified,
	FieldGatePassGenerated,
	FieldSecurityVerification,
	FieldPatientSignature,
}

// Visit is one in-patient stay.
type Visit struct {
	VisitID       string     `json:"visit_id"`
	PatientID     string     `json:"patient_id"`
	PatientName   string     `json:"patient_name"`
	DischargeDate *time.Time `json:"discharge_date"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (v *Visit) row() recordstore.Row {
	return recordstore.Row{
		"visit_id":       v.VisitID,
		"patient_id":     v.PatientID,
		"patient_name":   v.PatientName,
		"discharge_date": timeOrNil(v.DischargeDate),
		"created_at":     v.CreatedAt,
	}
}

// DischargeChecklist is the per-visit discharge checklist.
type DischargeChecklist struct {
	VisitID                  string        `json:"visit_id"`
	DoctorSignature          bool          `json:"doctor_signature"`
	DischargeSummaryUploaded bool          `json:"discharge_summary_uploaded"`
	NurseClearance           bool          `json:"nurse_clearance"`
	PharmacyClearance        bool          `json:"pharmacy_clearance"`
	FinalBillGenerated       bool          `json:"final_bill_generated"`
	FinalBillPrinted         bool          `json:"final_bill_printed"`
	PaymentVerified          bool          `json:"payment_verified"`
	GatePassGenerated        bool          `json:"gate_pass_generated"`
	SecurityVerification     bool          `json:"security_verification"`
	PatientSignature         bool          `json:"patient_signature"`
	DischargeMode            DischargeMode `json:"discharge_mode"`
	AuthorizedBy             string        `json:"authorized_by"`
	Notes                    string        `json:"notes"`
	UpdatedAt                *time.Time    `json:"updated_at,omitempty"`
}

// NewChecklist returns the defaulted checklist for a visit: every flag false
// and mode recovery.
func NewChecklist(visitID string) *DischargeChecklist {
	return &DischargeChecklist{VisitID: visitID, DischargeMode: ModeRecovery}
}

func (c *DischargeChecklist) flagPtr(field string) *bool {
	switch field {
	case FieldDoctorSignature:
		return &c.DoctorSignature
	case FieldDischargeSummaryUploaded:
		return &c.DischargeSummaryUploaded
	case FieldNurseClearance:
		return &c.NurseClearance
	case FieldPharmacyClearance:
		return &c.PharmacyClearance
	case FieldFinalBillGenerated:
		return &c.FinalBillGenerated
	case FieldFinalBillPrinted:
		return &c.FinalBillPrinted
	case FieldPaymentVerified:
		return &c.PaymentVerified
	case FieldGatePassGenerated:
		return &c.GatePassGenerated
	case FieldSecurityVerification:
		return &c.SecurityVerification
	case FieldPatientSignature:
		return &c.PatientSignature
	}
	return nil
}

// Flag returns the value of a boolean field. ok is false for unknown fields.
func (c *DischargeChecklist) Flag(field string) (value bool, ok bool) {
	p := c.flagPtr(field)
	if p == nil {
		return false, false
	}
	return *p, true
}

// apply sets a field to a value already checked by normalizeField.
func (c *DischargeChecklist) apply(field string, value any) {
	if p := c.flagPtr(field); p != nil {
		*p = value.(bool)
		return
	}
	switch field {
	case FieldDischargeMode:
		c.DischargeMode = DischargeMode(value.(string))
	case FieldAuthorizedBy:
		c.AuthorizedBy = value.(string)
	case FieldNotes:
		c.Notes = value.(string)
	}
}

func (c *DischargeChecklist) clone() *DischargeChecklist {
	cp := *c
	if c.UpdatedAt != nil {
		t := *c.UpdatedAt
		cp.UpdatedAt = &t
	}
	return &cp
}

func (c *DischargeChecklist) row() recordstore.Row {
	row := recordstore.Row{
		"visit_id":       c.VisitID,
		"discharge_mode": string(c.DischargeMode),
		"authorized_by":  c.AuthorizedBy,
		"notes":          c.Notes,
		"updated_at":     timeOrNil(c.UpdatedAt),
	}
	for _, f := range FlagFields {
		v, _ := c.Flag(f)
		row[f] = v
	}
	return row
}

// normalizeField checks that field is a checklist field and value has the
// right type for it, returning the value in its stored form.
func normalizeField(field string, value any) (any, error) {
	switch field {
	case FieldDischargeMode:
		var mode DischargeMode
		switch v := value.(type) {
		case DischargeMode:
			mode = v
		case string:
			mode = DischargeMode(v)
		default:
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidField, field)
		}
		if !mode.Valid() {
			return nil, fmt.Errorf("%w: unknown discharge mode %q", ErrInvalidField, mode)
		}
		return string(mode), nil
	case FieldAuthorizedBy, FieldNotes:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidField, field)
		}
		return s, nil
	}
	if NewChecklist("").flagPtr(field) == nil {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidField, field)
	}
	b, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a boolean", ErrInvalidField, field)
	}
	return b, nil
}

// Bill is the billing snapshot copied onto a gate pass. Bills are owned by
// the billing desk; this package only reads them.
type Bill struct {
	VisitID     string  `json:"visit_id"`
	TotalAmount float64 `json:"total_amount"`
	PaidAmount  float64 `json:"paid_amount"`
	IsPaid      bool    `json:"is_paid"`
}

// Signatures records which sign-offs were present when the pass was issued.
type Signatures struct {
	Doctor   bool   `json:"doctor"`
	Patient  bool   `json:"patient"`
	Nurse    bool   `json:"nurse"`
	Pharmacy bool   `json:"pharmacy"`
	Security bool   `json:"security"`
	Issuer   string `json:"issuer,omitempty"`
}

// GatePass is the immutable exit pass for a visit.
type GatePass struct {
	GatePassNumber string        `json:"gate_pass_number"`
	VisitID        string        `json:"visit_id"`
	PatientID      string        `json:"patient_id"`
	PatientName    string        `json:"patient_name"`
	DischargeDate  time.Time     `json:"discharge_date"`
	DischargeMode  DischargeMode `json:"discharge_mode"`
	BillPaid       bool          `json:"bill_paid"`
	PaymentAmount  float64       `json:"payment_amount"`
	BarcodeData    string        `json:"barcode_data"`
	Signatures     Signatures    `json:"signatures"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (g *GatePass) row() recordstore.Row {
	return recordstore.Row{
		"gate_pass_number": g.GatePassNumber,
		"visit_id":         g.VisitID,
		"patient_id":       g.PatientID,
		"patient_name":     g.PatientName,
		"discharge_date":   g.DischargeDate,
		"discharge_mode":   string(g.DischargeMode),
		"bill_paid":        g.BillPaid,
		"payment_amount":   g.PaymentAmount,
		"barcode_data":     g.BarcodeData,
		"signatures":       g.Signatures,
		"created_at":       g.CreatedAt,
	}
}

// BarcodeData derives the barcode payload of a gate pass.
func BarcodeData(gatePassNumber, visitID string) string {
	return gatePassNumber + "-" + visitID
}

// GatePassPrint is a gate pass joined with the visit it releases.
type GatePassPrint struct {
	GatePass
	AdmittedAt time.Time `json:"admitted_at"`
	Visit      *Visit    `json:"visit"`
}

// ReadinessView is the readiness of a visit as served to the ward board.
type ReadinessView struct {
	VisitID         string     `json:"visit_id"`
	DischargeDate   *time.Time `json:"discharge_date"`
	ChecklistExists bool       `json:"checklist_exists"`
	// ChecklistLocked is true while no discharge date is set; clients keep
	// the checklist read-only until then.
	ChecklistLocked   bool `json:"checklist_locked"`
	GatePassGenerated bool `json:"gate_pass_generated"`
	Readiness
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
