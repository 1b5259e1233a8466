// Package storage archives finished reports to blob storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/report"
)

// ReportPath returns the blob path of a run's report.
func ReportPath(runID string) string {
	return fmt.Sprintf("reports/%s/report.json", runID)
}

// ReportArchive writes reports to a BlobStore.
type ReportArchive struct {
	store  BlobStore
	logger *zap.Logger
	now    func() time.Time
}

// NewReportArchive creates an archive on top of store.
func NewReportArchive(store BlobStore, logger *zap.Logger) *ReportArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportArchive{store: store, logger: logger, now: time.Now}
}

// Archive stores rep under ReportPath(runID) and returns the blob reference.
func (a *ReportArchive) Archive(ctx context.Context, runID string, rep *report.Report) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if rep == nil {
		return "", fmt.Errorf("report is nil")
	}

	data, err := json.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	metadata := map[string]string{
		"run_id":      runID,
		"fallback":    strconv.FormatBool(rep.MultiNodeResults.Fallback),
		"nodes":       strconv.Itoa(len(rep.MultiNodeResults.ProcessedNodes)),
		"failures":    strconv.Itoa(rep.MultiNodeResults.FailureCount),
		"archived_at": a.now().UTC().Format(time.RFC3339),
	}

	ref, err := a.store.Upload(ctx, ReportPath(runID), data, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to archive report %s: %w", runID, err)
	}

	a.logger.Info("report archived",
		zap.String("run_id", runID),
		zap.String("reference", ref),
		zap.Int("size_bytes", len(data)))
	return ref, nil
}

// Fetch loads the archived report of a run.
func (a *ReportArchive) Fetch(ctx context.Context, runID string) (*report.Report, error) {
	data, err := a.store.Download(ctx, ReportPath(runID))
	if err != nil {
		return nil, err
	}
	var rep report.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return &rep, nil
}
