package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/task/models"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
)

const (
	// purgeInterval throttles purge passes.
	purgeInterval = 12 * time.Hour

	// purgeRetention keeps archived completed tasks this long.
	purgeRetention = 7 * 24 * time.Hour

	purgeBatchSize = 100

	// purgeUnlinkConcurrency bounds parallel blob unlinks.
	purgeUnlinkConcurrency = 8
)

// Purger deletes old archived completed tasks and their attachment blobs.
type Purger struct {
	repo     *sqlite.Repository
	blobsDir string
	logger   *logger.Logger

	mu      sync.Mutex
	lastRun time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPurger creates a purger. blobsDir is the attachment storage root that
// storage keys resolve against.
func NewPurger(repo *sqlite.Repository, blobsDir string, log *logger.Logger) *Purger {
	return &Purger{
		repo:     repo,
		blobsDir: blobsDir,
		logger:   log.WithFields(zap.String("component", "workspace-purge")),
		stop:     make(chan struct{}),
	}
}

// Start runs a pass immediately and then once per interval.
func (p *Purger) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.RunOnce(ctx)

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
}

// Close stops the background loop.
func (p *Purger) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// RunOnce performs one purge pass unless a pass ran within the throttle
// window. Batches repeat until a batch comes back short.
func (p *Purger) RunOnce(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.lastRun) < purgeInterval {
		p.mu.Unlock()
		return
	}
	p.lastRun = time.Now()
	p.mu.Unlock()

	cutoff := time.Now().Add(-purgeRetention)
	var totalTasks, totalBlobs int

	for {
		batch, err := p.repo.PurgeArchivedCompletedTasksBatch(ctx, cutoff, purgeBatchSize)
		if err != nil {
			p.logger.Error("purge batch failed", zap.Error(err))
			return
		}
		if len(batch.TaskIDs) == 0 {
			break
		}
		totalTasks += len(batch.TaskIDs)
		totalBlobs += p.unlinkBlobs(ctx, batch.Attachments)

		if len(batch.TaskIDs) < purgeBatchSize {
			break
		}
	}

	if totalTasks > 0 {
		p.logger.Info("purge pass finished",
			zap.Int("tasks", totalTasks),
			zap.Int("blobs", totalBlobs))
	}
}

// unlinkBlobs removes attachment files with bounded concurrency. Missing
// files are fine; the row is already gone.
func (p *Purger) unlinkBlobs(ctx context.Context, attachments []models.PurgedAttachment) int {
	sem := semaphore.NewWeighted(purgeUnlinkConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0

	for _, att := range attachments {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer sem.Release(1)

			path := filepath.Join(p.blobsDir, filepath.FromSlash(key))
			err := os.Remove(path)
			switch {
			case err == nil:
				mu.Lock()
				removed++
				mu.Unlock()
			case os.IsNotExist(err):
			default:
				p.logger.Warn("failed to unlink blob", zap.String("path", path), zap.Error(err))
			}
		}(att.StorageKey)
	}
	wg.Wait()
	return removed
}
