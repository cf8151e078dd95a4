package discharge

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hms/ipd/internal/platform/blobstore"
)

func TestUploadDischargeSummary_SetsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedVisit(t, "V1")
	ctx := context.Background()

	meta, err := env.svc.UploadDischargeSummary(ctx, "V1",
		blobstore.BlobMetadata{FileName: "summary.txt", ContentType: "text/plain"},
		strings.NewReader("discharged in stable condition"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.VisitID != "V1" || meta.PatientID != "P-V1" || meta.Category != blobstore.CategoryDischargeSummary {
		t.Errorf("unexpected metadata %+v", meta)
	}

	c, _ := env.svc.GetChecklist(ctx, "V1")
	if c == nil || !c.DischargeSummaryUploaded {
		t.Fatal("expected discharge_summary_uploaded to be set")
	}

	rc, latest, err := env.svc.LatestDischargeSummary(ctx, "V1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "discharged in stable condition" || latest.ID != meta.ID {
		t.Errorf("unexpected download %q (%s)", body, latest.ID)
	}
}

func TestUploadDischargeSummary_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedVisit(t, "V1")
	ctx := context.Background()

	_, err := env.svc.UploadDischargeSummary(ctx, "V1",
		blobstore.BlobMetadata{FileName: "run.sh", ContentType: "application/x-sh"},
		strings.NewReader("#!/bin/sh"))
	if !errors.Is(err, blobstore.ErrInvalidContentType) {
		t.Fatalf("expected ErrInvalidContentType, got %v", err)
	}
	if c, _ := env.svc.GetChecklist(ctx, "V1"); c != nil && c.DischargeSummaryUploaded {
		t.Error("flag must not be set when the upload fails")
	}
}

func TestUploadDischargeSummary_UnknownVisit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.UploadDischargeSummary(context.Background(), "missing",
		blobstore.BlobMetadata{FileName: "s.pdf", ContentType: "application/pdf"}, strings.NewReader("%PDF"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestDischargeSummary_None(t *testing.T) {
	env := newTestEnv(t)
	env.seedVisit(t, "V1")
	if _, _, err := env.svc.LatestDischargeSummary(context.Background(), "V1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
