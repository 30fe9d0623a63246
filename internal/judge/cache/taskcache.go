// Package cache materializes a task's testcases/checker directory onto
// local disk from an object store, ahead of the Manifest Loader and
// Sandbox Driver ever reading tasks/<task_id>/.
package cache

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/storage"
	"fuzoj/internal/judge/model"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const lockWaitInterval = 200 * time.Millisecond

type entry struct {
	taskID    string
	sizeBytes int64
	expiresAt time.Time
}

// TaskAssetCache keeps tasks/<task_id>/ populated on local disk, evicting
// by LRU + total size once the cache root grows past MaxBytes or
// MaxEntries.
type TaskAssetCache struct {
	Root       string
	Bucket     string
	TTL        time.Duration
	LockWait   time.Duration
	MaxEntries int
	MaxBytes   int64

	Storage storage.ObjectStorage
	Lock    cache.LockOps

	mu        sync.Mutex
	entries   map[string]*entry
	lruOrder  []string
	totalSize int64
}

// NewTaskAssetCache builds a cache rooted at root, backed by bucket for
// data-pack downloads and lock for the distributed per-task lock.
func NewTaskAssetCache(root, bucket string, ttl time.Duration, maxEntries int, maxBytes int64, storageClient storage.ObjectStorage, lock cache.LockOps) *TaskAssetCache {
	return &TaskAssetCache{
		Root:       root,
		Bucket:     bucket,
		TTL:        ttl,
		LockWait:   30 * time.Second,
		MaxEntries: maxEntries,
		MaxBytes:   maxBytes,
		Storage:    storageClient,
		Lock:       lock,
		entries:    make(map[string]*entry),
	}
}

// Ensure materializes tasks/<task_id>/ if it is missing or stale. A
// directory whose meta.json sidecar hash matches the manifest's expected
// hash is considered fresh and used as-is, with no network round trip.
func (c *TaskAssetCache) Ensure(ctx context.Context, taskID string) error {
	taskDir := filepath.Join(c.Root, taskID)
	expectedHash, err := c.expectedManifestHash(taskID)
	if err != nil {
		return err
	}

	if c.isFresh(taskDir, expectedHash) {
		c.touch(taskID)
		return nil
	}

	if c.Storage == nil || c.Lock == nil {
		// No remote backing configured: trust whatever is on disk already
		// (single-host deployments that pre-populate tasks/ out of band).
		return nil
	}

	lockKey := "taskcache:lock:" + taskID
	acquired, err := c.waitForLock(ctx, lockKey)
	if err != nil {
		return err
	}
	if acquired {
		defer func() { _ = c.Lock.Unlock(ctx, lockKey) }()
	}

	// Re-check freshness: another worker may have populated it while we
	// waited for the lock.
	if c.isFresh(taskDir, expectedHash) {
		c.touch(taskID)
		return nil
	}

	size, err := c.fetchAndExtract(ctx, taskID, expectedHash)
	if err != nil {
		return err
	}
	c.addEntry(taskID, size)
	return nil
}

func (c *TaskAssetCache) waitForLock(ctx context.Context, lockKey string) (bool, error) {
	deadline := time.Now().Add(c.LockWait)
	for {
		ok, err := c.Lock.TryLock(ctx, lockKey, c.LockWait)
		if err != nil {
			return false, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockWaitInterval):
		}
	}
}

func (c *TaskAssetCache) expectedManifestHash(taskID string) (string, error) {
	path := filepath.Join(c.Root, taskID, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		// No manifest on disk yet: any non-empty data-pack hash counts as
		// fresh only after a fetch, so signal "unknown" with an empty string.
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *TaskAssetCache) isFresh(taskDir, expectedHash string) bool {
	if expectedHash == "" {
		return false
	}
	sidecarPath := filepath.Join(taskDir, "meta.json")
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return false
	}
	var meta model.TaskCacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return false
	}
	return meta.ManifestHash == expectedHash
}

// fetchAndExtract downloads a tar+zstd data pack, computes its SHA-256
// digest (recorded in the meta.json sidecar), and extracts it under
// tasks/<task_id>/ with tar-slip guards. A digest that differs from
// expectedHash is logged as a warning; the pack is extracted regardless.
func (c *TaskAssetCache) fetchAndExtract(ctx context.Context, taskID, expectedHash string) (int64, error) {
	objectKey := taskID + "/data.tar.zst"
	reader, err := c.Storage.GetObject(ctx, c.Bucket, objectKey)
	if err != nil {
		return 0, judgeerr.Wrapf(err, judgeerr.TaskCacheFailed, "download data pack for %s", taskID)
	}
	defer reader.Close()

	tmpFile, err := os.CreateTemp("", "taskcache-*.tar.zst")
	if err != nil {
		return 0, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	hasher := sha256.New()
	if _, err := io.Copy(tmpFile, io.TeeReader(reader, hasher)); err != nil {
		return 0, judgeerr.Wrapf(err, judgeerr.TaskCacheFailed, "stream data pack for %s", taskID)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedHash != "" && digest != expectedHash {
		logger.Warn(ctx, "data pack hash mismatch, extracting anyway", zap.String("task_id", taskID))
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return 0, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
	}

	taskDir := filepath.Join(c.Root, taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return 0, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
	}
	if err := extractTarZstd(tmpFile, taskDir); err != nil {
		return 0, judgeerr.Wrapf(err, judgeerr.TaskCacheFailed, "extract data pack for %s", taskID)
	}

	sidecar := model.TaskCacheMeta{
		TaskID:       taskID,
		ManifestHash: expectedHash,
		DataPackKey:  objectKey,
		DataPackHash: digest,
		UpdatedAt:    time.Now().Unix(),
	}
	sidecarData, _ := json.Marshal(sidecar)
	if err := os.WriteFile(filepath.Join(taskDir, "meta.json"), sidecarData, 0o644); err != nil {
		return 0, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
	}

	return dirSize(taskDir), nil
}

// extractTarZstd extracts a zstd-compressed tar stream into dir, rejecting
// absolute paths and any entry that escapes dir via "..".
func extractTarZstd(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		cleanName := filepath.Clean(header.Name)
		if filepath.IsAbs(cleanName) || strings.HasPrefix(cleanName, "..") {
			return judgeerr.Newf(judgeerr.TaskCacheFailed, "tar entry %q escapes extraction root", header.Name)
		}
		target := filepath.Join(dir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
			return judgeerr.Newf(judgeerr.TaskCacheFailed, "tar entry %q escapes extraction root", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return err
			}
			file.Close()
		}
	}
}

func (c *TaskAssetCache) touch(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[taskID]; !ok {
		return
	}
	c.moveToFrontLocked(taskID)
}

func (c *TaskAssetCache) addEntry(taskID string, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[taskID]; ok {
		c.totalSize -= old.sizeBytes
	}
	c.entries[taskID] = &entry{taskID: taskID, sizeBytes: sizeBytes, expiresAt: time.Now().Add(cache.JitterTTL(c.TTL))}
	c.totalSize += sizeBytes
	c.moveToFrontLocked(taskID)
	c.evictLocked()
}

func (c *TaskAssetCache) moveToFrontLocked(taskID string) {
	filtered := c.lruOrder[:0]
	for _, id := range c.lruOrder {
		if id != taskID {
			filtered = append(filtered, id)
		}
	}
	c.lruOrder = append(filtered, taskID)
}

func (c *TaskAssetCache) evictLocked() {
	for (c.MaxEntries > 0 && len(c.entries) > c.MaxEntries) || (c.MaxBytes > 0 && c.totalSize > c.MaxBytes) {
		if len(c.lruOrder) == 0 {
			return
		}
		oldest := c.lruOrder[0]
		c.lruOrder = c.lruOrder[1:]
		if e, ok := c.entries[oldest]; ok {
			c.totalSize -= e.sizeBytes
			delete(c.entries, oldest)
			_ = os.RemoveAll(filepath.Join(c.Root, oldest))
		}
	}
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
