// Package artifact optionally archives each test's stdout to object
// storage for later inspection; stderr and meta.txt are not uploaded. Archival failures are logged and never
// surface to the judging pipeline: a missing artifact never changes a
// verdict (spec §4.8).
package artifact

import (
	"context"
	"fmt"
	"os"

	"fuzoj/internal/common/storage"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Archiver uploads per-test run artifacts to a bucket, keyed by
// submission and test index. A nil Archiver (or nil Storage) disables
// archival entirely.
type Archiver struct {
	Storage storage.ObjectStorage
	Bucket  string
}

// NewArchiver builds an Archiver, or nil if storageClient is nil so
// callers can skip archival with a single nil check.
func NewArchiver(storageClient storage.ObjectStorage, bucket string) *Archiver {
	if storageClient == nil {
		return nil
	}
	return &Archiver{Storage: storageClient, Bucket: bucket}
}

// ArchiveTestOutput uploads the box's out.out for one test under
// submissions/<submission_id>/<test_index>/stdout.txt. Errors are logged
// and swallowed.
func (a *Archiver) ArchiveTestOutput(ctx context.Context, submissionID int64, testIndex uint64, outputPath string) {
	if a == nil || a.Storage == nil {
		return
	}

	file, err := os.Open(outputPath)
	if err != nil {
		logger.Warn(ctx, "artifact open failed", zap.Int64("submission_id", submissionID), zap.Uint64("test_index", testIndex), zap.Error(err))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		logger.Warn(ctx, "artifact stat failed", zap.Int64("submission_id", submissionID), zap.Error(err))
		return
	}

	key := fmt.Sprintf("submissions/%d/%d/stdout.txt", submissionID, testIndex)
	if err := a.Storage.PutObject(ctx, a.Bucket, key, file, info.Size(), "text/plain"); err != nil {
		logger.Warn(ctx, "artifact upload failed", zap.Int64("submission_id", submissionID), zap.Uint64("test_index", testIndex), zap.Error(err))
	}
}
