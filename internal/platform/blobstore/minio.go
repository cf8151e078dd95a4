package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// user metadata keys stored with every object.
const (
	metaFileName  = "File-Name"
	metaVisitID   = "Visit-Id"
	metaPatientID = "Patient-Id"
	metaCategory  = "Category"
	metaHash      = "Sha256"
	metaCreatedBy = "Created-By"
	metaCreatedAt = "Created-At"
)

// MinioBlobStore keeps documents in an S3-compatible bucket.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	clock  func() time.Time
}

// NewMinioClient connects to an S3-compatible endpoint with static credentials.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// NewMinioBlobStore returns a store over bucket, creating the bucket if needed.
func NewMinioBlobStore(ctx context.Context, client *minio.Client, bucket string) (*MinioBlobStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioBlobStore{client: client, bucket: bucket, clock: time.Now}, nil
}

func (s *MinioBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.clock())
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, s.bucket, meta.ID, bytes.NewReader(data), meta.Size, minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: toUserMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *MinioBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("stat object %s: %w", id, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get object %s: %w", id, err)
	}
	meta := fromObjectInfo(info)
	return obj, &meta, nil
}

func (s *MinioBlobStore) ListByVisit(ctx context.Context, visitID string) ([]*BlobMetadata, error) {
	var out []*BlobMetadata
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: visitPrefix(visitID), Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects for visit %s: %w", visitID, obj.Err)
		}
		info, err := s.client.StatObject(ctx, s.bucket, obj.Key, minio.StatObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("stat object %s: %w", obj.Key, err)
		}
		meta := fromObjectInfo(info)
		out = append(out, &meta)
	}
	sortNewestFirst(out)
	return out, nil
}

func toUserMetadata(meta BlobMetadata) map[string]string {
	um := map[string]string{
		metaFileName:  meta.FileName,
		metaVisitID:   meta.VisitID,
		metaCategory:  meta.Category,
		metaHash:      meta.Hash,
		metaCreatedAt: meta.CreatedAt.Format(time.RFC3339Nano),
	}
	if meta.PatientID != "" {
		um[metaPatientID] = meta.PatientID
	}
	if meta.CreatedBy != "" {
		um[metaCreatedBy] = meta.CreatedBy
	}
	return um
}

// userMeta looks a key up regardless of case and of the x-amz-meta- prefix.
func userMeta(m map[string]string, key string) string {
	for k, v := range m {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if k == strings.ToLower(key) {
			return v
		}
	}
	return ""
}

func fromObjectInfo(info minio.ObjectInfo) BlobMetadata {
	um := map[string]string(info.UserMetadata)
	meta := BlobMetadata{
		ID:          info.Key,
		FileName:    userMeta(um, metaFileName),
		ContentType: info.ContentType,
		Size:        info.Size,
		VisitID:     userMeta(um, metaVisitID),
		PatientID:   userMeta(um, metaPatientID),
		Category:    userMeta(um, metaCategory),
		Hash:        userMeta(um, metaHash),
		CreatedBy:   userMeta(um, metaCreatedBy),
		CreatedAt:   info.LastModified,
	}
	if at, err := time.Parse(time.RFC3339Nano, userMeta(um, metaCreatedAt)); err == nil {
		meta.CreatedAt = at
	}
	if meta.FileName == "" {
		if i := strings.LastIndex(info.Key, "/"); i >= 0 && len(info.Key) > i+37 {
			meta.FileName = info.Key[i+38:]
		}
	}
	if meta.Size == 0 {
		if n, err := strconv.ParseInt(info.Metadata.Get("Content-Length"), 10, 64); err == nil {
			meta.Size = n
		}
	}
	return meta
}
