package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/phi"
)

// StagingStore persists inbound DICOM instances under
// <root>/<patientID>/<studyUID>/<seriesUID>/<sopUID>.dcm with a
// per-series instance index, and keeps the session/scan rows in step
// with the files. One mutex serializes StoreDICOMFile so directory,
// database, and index updates stay consistent.
type StagingStore struct {
	db       *sqlx.DB
	mappings *phi.MappingRepository
	root     string
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewStagingStore creates a staging store rooted at root.
func NewStagingStore(db *sqlx.DB, mappings *phi.MappingRepository, root string, logger *slog.Logger) (*StagingStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &StagingStore{
		db:       db,
		mappings: mappings,
		root:     root,
		logger:   logger,
	}, nil
}

// Root returns the storage root directory.
func (s *StagingStore) Root() string {
	return s.root
}

// StoreResult reports the rows touched by one stored instance.
type StoreResult struct {
	Session     *Session
	Scan        *Scan
	FilePath    string
	NewInstance bool
}

// StoreDICOMFile writes the dataset to disk as a Part 10 file, upserts
// the owning session and scan, and updates the series instance index.
// Duplicate SOP Instance UIDs overwrite the file without growing the
// instance count.
func (s *StagingStore) StoreDICOMFile(ctx context.Context, ds *dicom.Dataset, transferSyntaxUID string, studyPHI, seriesPHI phi.PHIMap) (*StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patientID := ds.GetString(dicom.TagPatientID)
	studyUID := ds.GetString(dicom.TagStudyInstanceUID)
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		return nil, fmt.Errorf("dataset missing study/series/instance UID")
	}

	studyDir := filepath.Join(s.root,
		SanitizePathComponent(patientID),
		SanitizePathComponent(studyUID))
	seriesDir := filepath.Join(studyDir, SanitizePathComponent(seriesUID))
	if err := os.MkdirAll(seriesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create series directory: %w", err)
	}

	fileName := SanitizePathComponent(sopUID) + ".dcm"
	filePath := filepath.Join(seriesDir, fileName)
	if err := dicom.WriteFile(filePath, ds, transferSyntaxUID); err != nil {
		return nil, fmt.Errorf("failed to write DICOM file: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat stored file: %w", err)
	}

	session, err := s.upsertSession(ctx, ds, studyUID, studyDir, studyPHI)
	if err != nil {
		return nil, err
	}

	scan, err := s.upsertScan(ctx, ds, session, seriesUID, seriesDir, seriesPHI)
	if err != nil {
		return nil, err
	}

	index, err := LoadInstanceIndex(seriesDir)
	if err != nil {
		return nil, err
	}
	isNew := index.Upsert(InstanceEntry{
		SOPInstanceUID:    sopUID,
		InstanceNumber:    ds.GetString(dicom.TagInstanceNumber),
		FileName:          fileName,
		FileSize:          info.Size(),
		TransferSyntaxUID: transferSyntaxUID,
	})
	if err := index.Save(seriesDir); err != nil {
		return nil, err
	}

	if scan.InstancesCount != index.Count() {
		scan.InstancesCount = index.Count()
		if _, err := s.db.ExecContext(ctx, `
			UPDATE scans SET instances_count = ?, updated_at = ? WHERE id = ?`,
			scan.InstancesCount, time.Now().UTC(), scan.ID); err != nil {
			return nil, fmt.Errorf("failed to update instance count: %w", err)
		}
	}

	s.logger.DebugContext(ctx, "Stored DICOM instance",
		"study_uid", studyUID,
		"series_uid", seriesUID,
		"sop_uid", sopUID,
		"new_instance", isNew,
		"file_size", info.Size())

	return &StoreResult{
		Session:     session,
		Scan:        scan,
		FilePath:    filePath,
		NewInstance: isNew,
	}, nil
}

func (s *StagingStore) upsertSession(ctx context.Context, ds *dicom.Dataset, studyUID, studyDir string, studyPHI phi.PHIMap) (*Session, error) {
	now := time.Now().UTC()

	session, err := s.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		return nil, err
	}

	if session == nil {
		session = &Session{
			StudyInstanceUID: studyUID,
			PatientName:      ds.GetString(dicom.TagPatientName),
			PatientID:        ds.GetString(dicom.TagPatientID),
			StudyDate:        ds.GetString(dicom.TagStudyDate),
			StudyTime:        ds.GetString(dicom.TagStudyTime),
			StudyDescription: ds.GetString(dicom.TagStudyDescription),
			AccessionNumber:  ds.GetString(dicom.TagAccessionNumber),
			Status:           SessionIncomplete,
			LastReceivedAt:   now,
			StoragePath:      studyDir,
			StudyLevelPHI:    studyPHI.Clone(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if session.StudyLevelPHI == nil {
			session.StudyLevelPHI = phi.PHIMap{}
		}
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO sessions
				(study_instance_uid, patient_name, patient_id, study_date, study_time,
				 study_description, accession_number, status, last_received_at,
				 storage_path, study_level_phi, created_at, updated_at)
			VALUES
				(:study_instance_uid, :patient_name, :patient_id, :study_date, :study_time,
				 :study_description, :accession_number, :status, :last_received_at,
				 :storage_path, :study_level_phi, :created_at, :updated_at)`,
			session)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		session.ID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read session id: %w", err)
		}
		return session, nil
	}

	session.LastReceivedAt = now
	session.UpdatedAt = now
	if session.StudyLevelPHI == nil {
		session.StudyLevelPHI = phi.PHIMap{}
	}
	session.StudyLevelPHI.Merge(studyPHI)

	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_received_at = ?, study_level_phi = ?, updated_at = ? WHERE id = ?`,
		session.LastReceivedAt, session.StudyLevelPHI, session.UpdatedAt, session.ID); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

func (s *StagingStore) upsertScan(ctx context.Context, ds *dicom.Dataset, session *Session, seriesUID, seriesDir string, seriesPHI phi.PHIMap) (*Scan, error) {
	now := time.Now().UTC()

	scan, err := s.FindScanBySeriesUID(ctx, seriesUID)
	if err != nil {
		return nil, err
	}

	if scan == nil {
		scan = &Scan{
			SessionID:         session.ID,
			SeriesInstanceUID: seriesUID,
			SeriesNumber:      ds.GetString(dicom.TagSeriesNumber),
			Modality:          ds.GetString(dicom.TagModality),
			SeriesDescription: ds.GetString(dicom.TagSeriesDescription),
			StoragePath:       seriesDir,
			SeriesLevelPHI:    seriesPHI.Clone(),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if scan.SeriesLevelPHI == nil {
			scan.SeriesLevelPHI = phi.PHIMap{}
		}
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO scans
				(session_id, series_instance_uid, series_number, modality,
				 series_description, storage_path, instances_count, series_level_phi,
				 created_at, updated_at)
			VALUES
				(:session_id, :series_instance_uid, :series_number, :modality,
				 :series_description, :storage_path, :instances_count, :series_level_phi,
				 :created_at, :updated_at)`,
			scan)
		if err != nil {
			return nil, fmt.Errorf("failed to create scan: %w", err)
		}
		scan.ID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read scan id: %w", err)
		}
		return scan, nil
	}

	scan.UpdatedAt = now
	if scan.SeriesLevelPHI == nil {
		scan.SeriesLevelPHI = phi.PHIMap{}
	}
	scan.SeriesLevelPHI.Merge(seriesPHI)

	if _, err := s.db.ExecContext(ctx, `
		UPDATE scans SET series_level_phi = ?, updated_at = ? WHERE id = ?`,
		scan.SeriesLevelPHI, scan.UpdatedAt, scan.ID); err != nil {
		return nil, fmt.Errorf("failed to update scan: %w", err)
	}
	return scan, nil
}

// GetStudyStatistics summarizes the staged content for one study.
func (s *StagingStore) GetStudyStatistics(ctx context.Context, studyUID string) (*StudyStatistics, error) {
	session, err := s.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("no session for study %s", studyUID)
	}

	stats := &StudyStatistics{StudyInstanceUID: studyUID}
	if err := s.db.GetContext(ctx, &stats.SeriesCount, `
		SELECT COUNT(*) FROM scans WHERE session_id = ?`, session.ID); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.InstancesCount, `
		SELECT COALESCE(SUM(instances_count), 0) FROM scans WHERE session_id = ?`, session.ID); err != nil {
		return nil, err
	}

	err = filepath.WalkDir(session.StoragePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.TotalSizeBytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to measure study size: %w", err)
	}

	return stats, nil
}

// DeleteSession removes a session, its on-disk tree, and (when the
// owning patient has no sessions left) the patient mapping. Missing
// sessions are not an error.
func (s *StagingStore) DeleteSession(ctx context.Context, studyUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSessionLocked(ctx, studyUID)
}

func (s *StagingStore) deleteSessionLocked(ctx context.Context, studyUID string) error {
	session, err := s.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		return err
	}
	if session == nil {
		s.logger.DebugContext(ctx, "Session already absent", "study_uid", studyUID)
		return nil
	}

	if session.StoragePath != "" {
		if err := os.RemoveAll(session.StoragePath); err != nil {
			return fmt.Errorf("failed to remove study directory: %w", err)
		}
	}

	// Scans and upload logs cascade with the session row.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	remaining, err := s.CountSessionsForPatient(ctx, session.PatientID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		mapping, err := s.mappings.FindByAnonymous(ctx, session.PatientID)
		if err == nil {
			if err := s.mappings.Delete(ctx, mapping.ID); err != nil {
				return fmt.Errorf("failed to delete orphaned mapping: %w", err)
			}
			s.logger.InfoContext(ctx, "Removed orphaned patient mapping",
				"anonymous_id", mapping.AnonymousID)
		}
	}

	s.logger.InfoContext(ctx, "Session deleted", "study_uid", studyUID)
	return nil
}

// DeleteScanBySeriesNumber removes the scan with the given series
// number from a session, including its on-disk directory. Missing rows
// are not an error.
func (s *StagingStore) DeleteScanBySeriesNumber(ctx context.Context, studyUID, seriesNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	var scan Scan
	err = s.db.GetContext(ctx, &scan, `
		SELECT * FROM scans WHERE session_id = ? AND series_number = ?`,
		session.ID, seriesNumber)
	if err != nil {
		if isNoRows(err) {
			s.logger.DebugContext(ctx, "Scan already absent",
				"study_uid", studyUID, "series_number", seriesNumber)
			return nil
		}
		return err
	}

	if scan.StoragePath != "" {
		if err := os.RemoveAll(scan.StoragePath); err != nil {
			return fmt.Errorf("failed to remove series directory: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, scan.ID); err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}

	s.logger.InfoContext(ctx, "Scan deleted",
		"study_uid", studyUID, "series_number", seriesNumber)
	return nil
}

// DeleteSubject removes every session owned by the patient with the
// given original ID, then the mapping itself. Missing subjects are not
// an error.
func (s *StagingStore) DeleteSubject(ctx context.Context, originalPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, err := s.mappings.FindByOriginalID(ctx, originalPatientID)
	if err != nil {
		s.logger.DebugContext(ctx, "Subject already absent", "original_id", originalPatientID)
		return nil
	}

	var studyUIDs []string
	if err := s.db.SelectContext(ctx, &studyUIDs, `
		SELECT study_instance_uid FROM sessions WHERE patient_id = ?`,
		mapping.AnonymousID); err != nil {
		return err
	}

	for _, studyUID := range studyUIDs {
		if err := s.deleteSessionLocked(ctx, studyUID); err != nil {
			return err
		}
	}

	// deleteSessionLocked drops the mapping with the last session; when
	// the subject had no sessions it still needs removing here.
	if _, err := s.mappings.FindByOriginalID(ctx, originalPatientID); err == nil {
		if err := s.mappings.Delete(ctx, mapping.ID); err != nil {
			return fmt.Errorf("failed to delete mapping: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "Subject deleted", "original_id", originalPatientID)
	return nil
}
