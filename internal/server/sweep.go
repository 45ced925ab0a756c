// sweep.go - Reclaims orphaned blobs.
//
// Creation stores bytes before the metadata row and deletion removes the row
// before the blob, so a crash in either window strands an object in the
// store without a matching row. The sweeper finds and removes them.
package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// OrphanSweeper periodically scans the blob store for objects that have no
// metadata row and are older than a grace period.
type OrphanSweeper struct {
	db       *sql.DB
	store    *FileStore
	log      *zap.Logger
	interval time.Duration
	// minAge keeps the sweeper from racing an in-flight upload whose row
	// has not been committed yet.
	minAge time.Duration
}

// NewOrphanSweeper creates a sweeper over the given store.
func NewOrphanSweeper(db *sql.DB, store *FileStore, log *zap.Logger) *OrphanSweeper {
	return &OrphanSweeper{
		db:       db,
		store:    store,
		log:      log,
		interval: time.Hour,
		minAge:   time.Hour,
	}
}

// Run sweeps until ctx is canceled. Intended to be started as a goroutine
// from main.
func (s *OrphanSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *OrphanSweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.minAge)

	for object := range s.store.client.ListObjects(ctx, s.store.bucket, minio.ListObjectsOptions{}) {
		if object.Err != nil {
			s.log.Warn("orphan sweep: list objects", zap.Error(object.Err))
			return
		}
		if object.LastModified.After(cutoff) {
			continue
		}

		id, err := ParseFileID(object.Key)
		if err != nil {
			// Not one of ours; leave it alone.
			continue
		}

		var exists bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM files WHERE file_id = $1)`,
			int64(id),
		).Scan(&exists)
		if err != nil {
			s.log.Warn("orphan sweep: check record", zap.Error(err))
			return
		}
		if exists {
			continue
		}

		if err := s.store.Remove(ctx, id); err != nil {
			s.log.Warn("orphan sweep: remove blob", zap.String("file_id", id.String()), zap.Error(err))
			continue
		}
		s.log.Info("orphan sweep: removed orphaned blob", zap.String("file_id", id.String()))
	}
}
