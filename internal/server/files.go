// files.go - File record service: keeps the metadata rows and the blob store
// consistent with each other.
//
// Creation writes bytes before the metadata row, deletion removes the row
// before the blob. A crash can therefore leave an orphaned blob (reclaimable
// by the sweep), but never a row pointing at missing bytes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxFileIDAttempts bounds the retry-until-unique loop for file ids.
const maxFileIDAttempts = 32

// FileRecord is the metadata of a stored file.
type FileRecord struct {
	FileID     FileID    `json:"file_id"`
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	UploadDate time.Time `json:"upload_date"`
	UploaderID uuid.UUID `json:"uploader_id"`
}

// FileRecordService coordinates the blob store with the files table.
type FileRecordService struct {
	db    *sql.DB
	store BlobStore
	log   *zap.Logger
}

// NewFileRecordService wires the file record service.
func NewFileRecordService(db *sql.DB, store BlobStore, log *zap.Logger) *FileRecordService {
	return &FileRecordService{db: db, store: store, log: log}
}

// Create stores the stream under a fresh file id and records its metadata.
// The id is drawn at random and checked against the files table inside the
// transaction that later inserts the row, so concurrent creators cannot race
// the same id. The recorded size is the observed byte count from the store.
func (s *FileRecordService) Create(ctx context.Context, uploaderID uuid.UUID, fileName string, content io.Reader) (*FileRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fileID FileID
	for attempt := 0; ; attempt++ {
		if attempt == maxFileIDAttempts {
			return nil, fmt.Errorf("could not find an unused file id after %d attempts", maxFileIDAttempts)
		}

		id, err := NewFileID()
		if err != nil {
			return nil, err
		}

		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM files WHERE file_id = $1)`,
			int64(id),
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check file id uniqueness: %w", err)
		}
		if !exists {
			fileID = id
			break
		}
	}

	// Bytes first. If the insert below fails the blob is orphaned, which
	// the sweep reclaims; the reverse order could leave a row referencing
	// missing bytes, corrupting reads.
	size, err := s.store.Put(ctx, fileID, content)
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}

	var uploadDate time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO files (file_id, file_name, file_size, upload_date, uploader_id)
		VALUES ($1, $2, $3, now(), $4)
		RETURNING upload_date`,
		int64(fileID), fileName, size, uploaderID,
	).Scan(&uploadDate)
	if err != nil {
		return nil, fmt.Errorf("insert file record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &FileRecord{
		FileID:     fileID,
		FileName:   fileName,
		FileSize:   size,
		UploadDate: uploadDate,
		UploaderID: uploaderID,
	}, nil
}

// Info looks up the metadata of a file. Unknown ids return ErrNotFound.
func (s *FileRecordService) Info(ctx context.Context, id FileID) (*FileRecord, error) {
	rec := FileRecord{FileID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT file_name, file_size, upload_date, uploader_id FROM files WHERE file_id = $1`,
		int64(id),
	).Scan(&rec.FileName, &rec.FileSize, &rec.UploadDate, &rec.UploaderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch file record: %w", err)
	}
	return &rec, nil
}

// Content opens the bytes of a file after checking that a record with the
// given id and name exists. A name mismatch is treated the same as an
// unknown id.
func (s *FileRecordService) Content(ctx context.Context, id FileID, fileName string) (io.ReadCloser, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM files WHERE file_id = $1 AND file_name = $2)`,
		int64(id), fileName,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check file record: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		// A row exists but the blob is gone.
		return nil, fmt.Errorf("file %s has a record but no stored content", id)
	}
	return rc, nil
}

// Delete removes a file. The requester must be the uploader or an admin.
// The metadata row is deleted first, then the blob: a crash in between
// leaves an orphaned blob, never a dangling record.
func (s *FileRecordService) Delete(ctx context.Context, id FileID, fileName string, requester Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var uploaderID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT uploader_id FROM files WHERE file_id = $1 AND file_name = $2`,
		int64(id), fileName,
	).Scan(&uploaderID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch file record: %w", err)
	}

	if uploaderID != requester.UserID && !requester.IsAdmin {
		return ErrForbidden
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	// The row is gone; a failure here only strands a blob for the sweep.
	if err := s.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove content: %w", err)
	}

	s.log.Info("file deleted",
		zap.String("file_id", id.String()),
		zap.String("requester", requester.UserID.String()),
	)
	return nil
}

// DeleteAllByUploader removes every file row of an uploader inside the
// caller's transaction and returns the ids whose blobs the caller must
// remove once the transaction commits.
func (s *FileRecordService) DeleteAllByUploader(ctx context.Context, tx *sql.Tx, uploaderID uuid.UUID) ([]FileID, error) {
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM files WHERE uploader_id = $1 RETURNING file_id`,
		uploaderID,
	)
	if err != nil {
		return nil, fmt.Errorf("delete file records: %w", err)
	}
	defer rows.Close()

	var ids []FileID
	for rows.Next() {
		var rawID int64
		if err := rows.Scan(&rawID); err != nil {
			return nil, fmt.Errorf("scan file id: %w", err)
		}
		ids = append(ids, FileID(rawID))
	}
	return ids, rows.Err()
}

// RemoveBlobs deletes the given blobs from the store. Failures are logged
// and skipped; the rows are already gone, so a leftover blob is reclaimed
// by the sweep.
func (s *FileRecordService) RemoveBlobs(ctx context.Context, ids []FileID) {
	for _, id := range ids {
		if err := s.store.Remove(ctx, id); err != nil {
			s.log.Warn("remove blob", zap.String("file_id", id.String()), zap.Error(err))
		}
	}
}

// ListByUploader returns the files uploaded by a user, newest first.
func (s *FileRecordService) ListByUploader(ctx context.Context, uploaderID uuid.UUID) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, file_name, file_size, upload_date, uploader_id
		FROM files WHERE uploader_id = $1
		ORDER BY upload_date DESC`,
		uploaderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	records := []FileRecord{}
	for rows.Next() {
		var rec FileRecord
		var rawID int64
		if err := rows.Scan(&rawID, &rec.FileName, &rec.FileSize, &rec.UploadDate, &rec.UploaderID); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		rec.FileID = FileID(rawID)
		records = append(records, rec)
	}
	return records, rows.Err()
}
