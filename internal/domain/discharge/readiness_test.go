package discharge

import (
	"math"
	"testing"
	"time"
)

func TestComputeReadiness_AllCombinations(t *testing.T) {
	date := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

	for mask := 0; mask < 1<<len(GatingFields); mask++ {
		for _, billGenerated := range []bool{false, true} {
			for _, dischargeDate := range []*time.Time{nil, &date} {
				c := NewChecklist("V1")
				set := 0
				for i, f := range GatingFields {
					if mask&(1<<i) != 0 {
						c.apply(f, true)
						set++
					}
				}
				c.FinalBillGenerated = billGenerated
				// Post-discharge flags never count.
				c.SecurityVerification = mask%2 == 0
				c.GatePassGenerated = mask%3 == 0

				want := set
				if billGenerated {
					want++
				}
				got := ComputeReadiness(c, dischargeDate)

				if got.TotalCount != 8 {
					t.Fatalf("mask %07b: expected total 8, got %d", mask, got.TotalCount)
				}
				if got.CompletedCount != want {
					t.Errorf("mask %07b bill=%v: expected count %d, got %d", mask, billGenerated, want, got.CompletedCount)
				}
				if pct := int(math.Round(float64(want) * 100 / 8)); got.Percentage != pct {
					t.Errorf("mask %07b: expected %d%%, got %d%%", mask, pct, got.Percentage)
				}
				wantReady := mask == 1<<len(GatingFields)-1 && dischargeDate != nil
				if got.IsReady != wantReady {
					t.Errorf("mask %07b date=%v: expected ready=%v", mask, dischargeDate != nil, wantReady)
				}
			}
		}
	}
}

func TestComputeReadiness_SevenOfEight(t *testing.T) {
	date := time.Now()
	c := NewChecklist("V1")
	for _, f := range GatingFields {
		c.apply(f, true)
	}
	got := ComputeReadiness(c, &date)
	if got.CompletedCount != 7 || got.Percentage != 88 || !got.IsReady {
		t.Fatalf("expected 7/8 = 88%% ready, got %+v", got)
	}

	c.FinalBillGenerated = true
	if got := ComputeReadiness(c, &date); got.Percentage != 100 {
		t.Errorf("expected 100%%, got %d", got.Percentage)
	}
}

func TestComputeReadiness_NilChecklist(t *testing.T) {
	date := time.Now()
	got := ComputeReadiness(nil, &date)
	if got.CompletedCount != 0 || got.Percentage != 0 || got.IsReady || got.TotalCount != 8 {
		t.Fatalf("unexpected readiness for absent checklist: %+v", got)
	}
}

func TestTrackedFields(t *testing.T) {
	if len(TrackedFields) != 8 {
		t.Fatalf("expected 8 tracked fields, got %d", len(TrackedFields))
	}
	for _, f := range TrackedFields {
		if f == FieldSecurityVerification || f == FieldGatePassGenerated {
			t.Errorf("%s must not be tracked", f)
		}
	}
}

func TestDischargeMode_Valid(t *testing.T) {
	for _, m := range []DischargeMode{ModeRecovery, ModeLAMA, ModeDeath, ModeTransfer, ModeDischargeOnRequest} {
		if !m.Valid() {
			t.Errorf("expected %s to be valid", m)
		}
	}
	if DischargeMode("lama").Valid() {
		t.Error("modes are case sensitive")
	}
}
