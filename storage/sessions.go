package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// FindSessionByStudyUID returns the session for a study, or nil when it
// does not exist.
func (s *StagingStore) FindSessionByStudyUID(ctx context.Context, studyUID string) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE study_instance_uid = ?`, studyUID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindScanBySeriesUID returns the scan for a series, or nil.
func (s *StagingStore) FindScanBySeriesUID(ctx context.Context, seriesUID string) (*Scan, error) {
	var scan Scan
	err := s.db.GetContext(ctx, &scan, `
		SELECT * FROM scans WHERE series_instance_uid = ?`, seriesUID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// ListScansForSession returns every scan of a session.
func (s *StagingStore) ListScansForSession(ctx context.Context, sessionID int64) ([]Scan, error) {
	var scans []Scan
	err := s.db.SelectContext(ctx, &scans, `
		SELECT * FROM scans WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	return scans, nil
}

// ListSessionsByStatus returns sessions in the given status.
func (s *StagingStore) ListSessionsByStatus(ctx context.Context, status string) ([]Session, error) {
	var sessions []Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// CountSessionsForPatient returns the number of sessions holding the
// given (anonymized) patient ID.
func (s *StagingStore) CountSessionsForPatient(ctx context.Context, anonymousPatientID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions WHERE patient_id = ?`, anonymousPatientID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MarkSessionComplete advances a session to complete and stamps
// completedAt.
func (s *StagingStore) MarkSessionComplete(ctx context.Context, sessionID int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		SessionComplete, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session complete: %w", err)
	}
	return nil
}

// UpdateSessionStatus sets the session status.
func (s *StagingStore) UpdateSessionStatus(ctx context.Context, sessionID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// AppendUploadLog inserts one upload attempt record.
func (s *StagingStore) AppendUploadLog(ctx context.Context, log *UploadLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO upload_logs
			(session_id, attempt_number, status, api_response_id, upload_file_size,
			 error_message, error_code, started_at, completed_at, duration_seconds,
			 chunk_index, total_chunks, created_at)
		VALUES
			(:session_id, :attempt_number, :status, :api_response_id, :upload_file_size,
			 :error_message, :error_code, :started_at, :completed_at, :duration_seconds,
			 :chunk_index, :total_chunks, :created_at)`,
		log)
	if err != nil {
		return fmt.Errorf("failed to append upload log: %w", err)
	}
	log.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read upload log id: %w", err)
	}
	return nil
}

// ListUploadLogs returns the attempts for a session ordered by attempt
// number.
func (s *StagingStore) ListUploadLogs(ctx context.Context, sessionID int64) ([]UploadLog, error) {
	var logs []UploadLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM upload_logs WHERE session_id = ? ORDER BY attempt_number`, sessionID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
