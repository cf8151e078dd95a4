package discharge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hms/ipd/internal/platform/blobstore"
)

// UploadDischargeSummary stores a signed discharge summary for the visit and
// ticks discharge_summary_uploaded.
func (s *Service) UploadDischargeSummary(ctx context.Context, visitID string, meta blobstore.BlobMetadata, content io.Reader) (*blobstore.BlobMetadata, error) {
	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}

	meta.VisitID = visit.VisitID
	meta.PatientID = visit.PatientID
	meta.Category = blobstore.CategoryDischargeSummary
	stored, err := s.blobs.Upload(ctx, meta, content)
	if err != nil {
		return nil, fmt.Errorf("upload discharge summary: %w", err)
	}

	if _, err := s.SetField(ctx, visitID, FieldDischargeSummaryUploaded, true); err != nil {
		s.logger.Error().Err(err).
			Str("visit_id", visitID).
			Str("blob_id", stored.ID).
			Msg("summary stored but checklist not updated")
		return stored, err
	}
	return stored, nil
}

// ListDischargeSummaries returns the visit's uploaded summaries, newest first.
func (s *Service) ListDischargeSummaries(ctx context.Context, visitID string) ([]*blobstore.BlobMetadata, error) {
	docs, err := s.blobs.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("list discharge summaries: %w: %w", ErrStoreUnavailable, err)
	}
	out := docs[:0]
	for _, d := range docs {
		if d.Category == "" || d.Category == blobstore.CategoryDischargeSummary {
			out = append(out, d)
		}
	}
	return out, nil
}

// LatestDischargeSummary opens the most recent summary of the visit. The
// caller closes the reader.
func (s *Service) LatestDischargeSummary(ctx context.Context, visitID string) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	docs, err := s.ListDischargeSummaries(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("discharge summary for visit %s: %w", visitID, ErrNotFound)
	}
	rc, meta, err := s.blobs.Download(ctx, docs[0].ID)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("discharge summary %s: %w", docs[0].ID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("download discharge summary: %w: %w", ErrStoreUnavailable, err)
	}
	return rc, meta, nil
}
