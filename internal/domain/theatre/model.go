package theatre

import (
	"time"

	"github.com/hms/ipd/internal/platform/recordstore"
)

// Priority is the clinical urgency of a scheduled operation.
type Priority string

const (
	PriorityEmergency Priority = "Emergency"
	PriorityUrgent    Priority = "Urgent"
	PriorityRoutine   Priority = "Routine"
)

func (p Priority) Valid() bool {
	return p == PriorityEmergency || p == PriorityUrgent || p == PriorityRoutine
}

// rank orders the board: emergencies first.
func (p Priority) rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	}
	return 2
}

// PreOpChecklist is the pre-operative safety checklist. Items are independent.
type PreOpChecklist struct {
	ConsentSigned          bool `json:"consent_signed"`
	SiteMarked             bool `json:"site_marked"`
	FastingConfirmed       bool `json:"fasting_confirmed"`
	AllergiesChecked       bool `json:"allergies_checked"`
	BloodAvailable         bool `json:"blood_available"`
	AnaesthesiaReview      bool `json:"anaesthesia_review"`
	InvestigationsReviewed bool `json:"investigations_reviewed"`
	JewelleryRemoved       bool `json:"jewellery_removed"`
	IVAccess               bool `json:"iv_access"`
	AntibioticProphylaxis  bool `json:"antibiotic_prophylaxis"`
}

// PreOpItemCount is the number of pre-op checklist items.
const PreOpItemCount = 10

// Completed counts the ticked items.
func (c PreOpChecklist) Completed() int {
	n := 0
	for _, v := range []bool{
		c.ConsentSigned, c.SiteMarked, c.FastingConfirmed, c.AllergiesChecked, c.BloodAvailable,
		c.AnaesthesiaReview, c.InvestigationsReviewed, c.JewelleryRemoved, c.IVAccess, c.AntibioticProphylaxis,
	} {
		if v {
			n++
		}
	}
	return n
}

// Resource is equipment or staff allocated to a theatre patient.
type Resource struct {
	Kind        string    `json:"kind" validate:"required,oneof=equipment staff room implant blood"`
	Name        string    `json:"name" validate:"required,notblank"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// TheatrePatient is one patient on the operating-theatre board.
type TheatrePatient struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patient_id"`
	PatientName      string         `json:"patient_name"`
	Priority         Priority       `json:"priority"`
	TheatreNumber    string         `json:"theatre_number"`
	Surgeon          string         `json:"surgeon"`
	Surgery          string         `json:"surgery"`
	ScheduledAt      time.Time      `json:"scheduled_at"`
	Status           Status         `json:"status"`
	PreOpChecklist   PreOpChecklist `json:"pre_op_checklist"`
	IntraOpNotes     *string        `json:"intra_op_notes"`
	Resources        []Resource     `json:"resources"`
	ResourcesVersion int            `json:"resources_version"`
	Archived         bool           `json:"archived"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (p *TheatrePatient) row() recordstore.Row {
	var notes any
	if p.IntraOpNotes != nil {
		notes = *p.IntraOpNotes
	}
	resources := p.Resources
	if resources == nil {
		resources = []Resource{}
	}
	return recordstore.Row{
		"id":                p.ID,
		"patient_id":        p.PatientID,
		"patient_name":      p.PatientName,
		"priority":          string(p.Priority),
		"theatre_number":    p.TheatreNumber,
		"surgeon":           p.Surgeon,
		"surgery":           p.Surgery,
		"scheduled_at":      p.ScheduledAt.UTC(),
		"status":            string(p.Status),
		"pre_op_checklist":  p.PreOpChecklist,
		"intra_op_notes":    notes,
		"resources":         resources,
		"resources_version": p.ResourcesVersion,
		"archived":          p.Archived,
		"created_at":        p.CreatedAt.UTC(),
		"updated_at":        p.UpdatedAt.UTC(),
	}
}

// PatientView is a theatre patient as shown on the board.
type PatientView struct {
	*TheatrePatient
	TimeInState        string   `json:"time_in_state"`
	AllowedTransitions []Status `json:"allowed_transitions"`
	PreOpCompleted     int      `json:"pre_op_completed"`
	PreOpTotal         int      `json:"pre_op_total"`
}

// NewPatientView derives the read-only board fields at now.
func NewPatientView(p *TheatrePatient, now time.Time) PatientView {
	return PatientView{
		TheatrePatient:     p,
		TimeInState:        FormatTimeInState(now.Sub(p.UpdatedAt)),
		AllowedTransitions: AllowedTransitions(p.Status),
		PreOpCompleted:     p.PreOpChecklist.Completed(),
		PreOpTotal:         PreOpItemCount,
	}
}

// StatusChange is one entry of the append-only status audit trail.
type StatusChange struct {
	ID               string    `json:"id"`
	TheatrePatientID string    `json:"theatre_patient_id"`
	FromStatus       Status    `json:"from_status"`
	ToStatus         Status    `json:"to_status"`
	Notes            string    `json:"notes"`
	ChangedBy        string    `json:"changed_by"`
	ChangedAt        time.Time `json:"changed_at"`
}

func (s *StatusChange) row() recordstore.Row {
	return recordstore.Row{
		"id":                 s.ID,
		"theatre_patient_id": s.TheatrePatientID,
		"from_status":        string(s.FromStatus),
		"to_status":          string(s.ToStatus),
		"notes":              s.Notes,
		"changed_by":         s.ChangedBy,
		"changed_at":         s.ChangedAt.UTC(),
	}
}
