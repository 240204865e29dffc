package storage

import (
	"time"

	"github.com/caio-sobreiro/pacsproxy/phi"
)

// Session statuses.
const (
	SessionIncomplete = "incomplete"
	SessionComplete   = "complete"
	SessionUploaded   = "uploaded"
	SessionArchived   = "archived"
)

// Upload attempt statuses.
const (
	UploadPending    = "pending"
	UploadInProgress = "in_progress"
	UploadSuccess    = "success"
	UploadFailed     = "failed"
	UploadRetrying   = "retrying"
)

// Session is one study in staging. Identifier fields always hold the
// anonymized values; original PHI lives in the PHI maps and the patient
// mapping.
type Session struct {
	ID               int64      `db:"id"`
	StudyInstanceUID string     `db:"study_instance_uid"`
	PatientName      string     `db:"patient_name"`
	PatientID        string     `db:"patient_id"`
	StudyDate        string     `db:"study_date"`
	StudyTime        string     `db:"study_time"`
	StudyDescription string     `db:"study_description"`
	AccessionNumber  string     `db:"accession_number"`
	Status           string     `db:"status"`
	LastReceivedAt   time.Time  `db:"last_received_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	StoragePath      string     `db:"storage_path"`
	StudyLevelPHI    phi.PHIMap `db:"study_level_phi"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Scan is one series within a session.
type Scan struct {
	ID                int64      `db:"id"`
	SessionID         int64      `db:"session_id"`
	SeriesInstanceUID string     `db:"series_instance_uid"`
	SeriesNumber      string     `db:"series_number"`
	Modality          string     `db:"modality"`
	SeriesDescription string     `db:"series_description"`
	StoragePath       string     `db:"storage_path"`
	InstancesCount    int        `db:"instances_count"`
	SeriesLevelPHI    phi.PHIMap `db:"series_level_phi"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// UploadLog is one upload attempt for a session. Append-only; attempts
// for a session are totally ordered by AttemptNumber.
type UploadLog struct {
	ID              int64      `db:"id"`
	SessionID       int64      `db:"session_id"`
	AttemptNumber   int        `db:"attempt_number"`
	Status          string     `db:"status"`
	APIResponseID   string     `db:"api_response_id"`
	UploadFileSize  int64      `db:"upload_file_size"`
	ErrorMessage    string     `db:"error_message"`
	ErrorCode       string     `db:"error_code"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	DurationSeconds float64    `db:"duration_seconds"`
	ChunkIndex      *int       `db:"chunk_index"`
	TotalChunks     *int       `db:"total_chunks"`
	CreatedAt       time.Time  `db:"created_at"`
}

// StudyStatistics summarizes staged content for one study.
type StudyStatistics struct {
	StudyInstanceUID string
	SeriesCount      int
	InstancesCount   int
	TotalSizeBytes   int64
}
