package discharge

import (
	"math"
	"time"
)

// GatingFields must all be true, together with a discharge date, for a
// visit to be ready for discharge.
var GatingFields = []string{
	FieldDoctorSignature,
	FieldDischargeSummaryUploaded,
	FieldNurseClearance,
	FieldPharmacyClearance,
	FieldFinalBillPrinted,
	FieldPaymentVerified,
	FieldPatientSignature,
}

// TrackedFields are the flags counted towards completion. final_bill_generated
// is tracked and displayed but does not gate readiness; security_verification
// and gate_pass_generated happen after discharge and are not tracked.
var TrackedFields = append(append([]string{}, GatingFields...), FieldFinalBillGenerated)

// Readiness is the derived discharge readiness of a checklist.
type Readiness struct {
	CompletedCount int  `json:"completed_count"`
	TotalCount     int  `json:"total_count"`
	Percentage     int  `json:"percentage"`
	IsReady        bool `json:"is_ready"`
}

// ComputeReadiness derives readiness from a checklist and the visit's
// discharge date. A nil checklist counts as all flags false.
func ComputeReadiness(c *DischargeChecklist, dischargeDate *time.Time) Readiness {
	if c == nil {
		c = NewChecklist("")
	}

	completed := 0
	for _, f := range TrackedFields {
		if v, _ := c.Flag(f); v {
			completed++
		}
	}

	ready := dischargeDate != nil
	for _, f := range GatingFields {
		if v, _ := c.Flag(f); !v {
			ready = false
			break
		}
	}

	total := len(TrackedFields)
	return Readiness{
		CompletedCount: completed,
		TotalCount:     total,
		Percentage:     int(math.Round(100 * float64(completed) / float64(total))),
		IsReady:        ready,
	}
}
