package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// ReportPrefix is the key prefix of every sweep report.
const ReportPrefix = "sweeps/"

var ErrReportNotFound = errors.New(errors.ErrCodeNotFound, "report not found")

// ReportKey returns sweeps/YYYY/MM/DD/<runID>.json for a run finished at t.
func ReportKey(t time.Time, runID string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.json", ReportPrefix, t.Year(), t.Month(), t.Day(), runID)
}

// DayPrefix returns the key prefix of all reports of the UTC day of t.
func DayPrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/", ReportPrefix, t.Year(), t.Month(), t.Day())
}

// ReportInfo describes a stored report.
type ReportInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ReportStore reads and writes JSON sweep reports.
type ReportStore struct {
	client *Client
	logger logging.Logger
}

// NewReportStore stores reports in client's bucket.
func NewReportStore(client *Client, log logging.Logger) *ReportStore {
	return &ReportStore{client: client, logger: log}
}

// PutReport uploads body under key.
func (s *ReportStore) PutReport(ctx context.Context, key string, body []byte) error {
	if key == "" || len(body) == 0 {
		return errors.New(errors.ErrCodeValidation, "report key and body are required")
	}
	_, err := s.client.api.PutObject(ctx, s.client.Bucket(), key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeReportArchiveFailed, "failed to upload report").WithDetail(key)
	}
	s.logger.Debug("Report archived", logging.String("key", key), logging.Int("bytes", len(body)))
	return nil
}

// GetReport downloads the report stored under key.
func (s *ReportStore) GetReport(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.api.OpenObject(ctx, s.client.Bucket(), key)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrReportNotFound.WithDetail(key)
		}
		return nil, errors.Wrap(err, errors.ErrCodeExternalService, "failed to download report").WithDetail(key)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExternalService, "failed to read report").WithDetail(key)
	}
	return data, nil
}

// ListReports returns the reports under prefix, newest first.
func (s *ReportStore) ListReports(ctx context.Context, prefix string) ([]ReportInfo, error) {
	if prefix == "" {
		prefix = ReportPrefix
	}
	var out []ReportInfo
	for obj := range s.client.api.ListObjects(ctx, s.client.Bucket(), minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, errors.ErrCodeExternalService, "failed to list reports")
		}
		out = append(out, ReportInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.After(out[j].LastModified) })
	return out, nil
}

// ArchiveReport stores the report of run runID under ReportKey.
func (s *ReportStore) ArchiveReport(ctx context.Context, runID string, finishedAt time.Time, body []byte) error {
	return s.PutReport(ctx, ReportKey(finishedAt, runID), body)
}
