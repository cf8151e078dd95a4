package validation

import (
	"strings"
	"testing"
)

type sample struct {
	VisitID  string `json:"visit_id" validate:"required,ident"`
	Notes    string `json:"notes" validate:"notblank"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=Emergency Urgent Routine"`
	Untagged string `validate:"omitempty,ident"`
}

func TestValidate_OK(t *testing.T) {
	if err := New().Validate(&sample{VisitID: "V-1", Notes: "x", Priority: "Urgent"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Messages(t *testing.T) {
	err := New().Validate(&sample{VisitID: "bad id", Notes: "  ", Priority: "Soon"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"visit_id failed ident validation", "notes is required", "priority must be one of"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestValidate_FallsBackToFieldName(t *testing.T) {
	err := New().Validate(&sample{VisitID: "V1", Notes: "n", Untagged: "a b"})
	if err == nil || !strings.Contains(err.Error(), "Untagged failed ident validation") {
		t.Fatalf("unexpected error: %v", err)
	}
}
