package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yorukot/filevault/internal/storage"
)

// SweepReport summarizes one orphan sweep
type SweepReport struct {
	Scanned      int
	Orphans      int
	Removed      int
	RemovedBytes int64
	// Dangling counts records whose bytes are gone
	Dangling int
}

// Sweep removes stored blobs that no record references. Blobs younger
// than grace are kept, since an upload writes its bytes before the record.
// With dryRun set nothing is deleted.
func (s *FileService) Sweep(ctx context.Context, grace time.Duration, dryRun bool) (SweepReport, error) {
	var report SweepReport

	objects, err := s.storage.List(ctx, storage.UsersPrefix)
	if err != nil {
		return report, fmt.Errorf("failed to list stored files: %w", err)
	}
	referenced, err := s.records.StoredPaths(ctx)
	if err != nil {
		return report, err
	}

	cutoff := s.now().Add(-grace)
	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		report.Scanned++
		seen[obj.Key] = true
		if referenced[obj.Key] || obj.ModTime.After(cutoff) {
			continue
		}

		report.Orphans++
		if dryRun {
			s.logger.InfoContext(ctx, "orphan found",
				slog.String("stored_path", obj.Key),
				slog.Int64("size", obj.Size),
			)
			continue
		}

		if err := s.storage.Delete(ctx, obj.Key); err != nil {
			s.logger.WarnContext(ctx, "failed to remove orphan",
				slog.String("stored_path", obj.Key),
				slog.Any("error", err),
			)
			continue
		}
		report.Removed++
		report.RemovedBytes += obj.Size
	}

	for key := range referenced {
		if !seen[key] {
			report.Dangling++
			s.logger.WarnContext(ctx, "record without stored bytes", slog.String("stored_path", key))
		}
	}

	s.logger.InfoContext(ctx, "sweep completed",
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", report.Orphans),
		slog.Int("removed", report.Removed),
		slog.Int64("removed_bytes", report.RemovedBytes),
		slog.Int("dangling", report.Dangling),
		slog.Bool("dry_run", dryRun),
	)
	return report, nil
}
