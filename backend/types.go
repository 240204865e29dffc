package backend

// ProxyConfigurationResponse is the payload of GET /api/v1/proxy/configuration.
type ProxyConfigurationResponse struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Name        string        `json:"name"`
	IsActive    bool          `json:"is_active"`
	Config      ProxySettings `json:"config"`
	Nodes       []NodeInfo    `json:"nodes"`
}

// ProxySettings is the nested config object of the configuration
// response.
type ProxySettings struct {
	Port                   int    `json:"port"`
	AETitle                string `json:"ae_title"`
	Mode                   string `json:"mode"`
	EnablePHIAnonymization bool   `json:"enable_phi_anonymization"`
	ResolverInformationURL string `json:"resolver_information_url"`
}

// NodeInfo describes one PACS node as the backend reports it.
type NodeInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	AETitle           string `json:"ae_title"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	IsActive          bool   `json:"is_active"`
	Permission        string `json:"permission"`
	ConnectionTimeout int    `json:"connection_timeout"`
	MaxPDUSize        uint32 `json:"max_pdu_size"`
	RetryCount        int    `json:"retry_count"`
	RetryDelay        int    `json:"retry_delay"`
}

// Subject is one patient record in the backend archive.
type Subject struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
	Sex       string `json:"sex"`
}

// SessionInfo is one study record in the backend archive.
type SessionInfo struct {
	ID               string `json:"id"`
	SubjectID        string `json:"subject_id"`
	StudyInstanceUID string `json:"study_instance_uid"`
	StudyDate        string `json:"study_date"`
	StudyDescription string `json:"study_description"`
	AccessionNumber  string `json:"accession_number"`
}

// ScanInfo is one series record in the backend archive.
type ScanInfo struct {
	ID           string `json:"id"`
	SubjectID    string `json:"subject_id"`
	SessionID    string `json:"session_id"`
	SeriesNumber int    `json:"series_number"`
	Modality     string `json:"modality"`
	Description  string `json:"description"`
}

// Archive statuses.
const (
	ArchiveProcessing = "processing"
	ArchiveCompleted  = "completed"
	ArchiveFailed     = "failed"
	ArchiveExpired    = "expired"
)

// ArchiveResponse describes a custom archive job.
type ArchiveResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// EntitySelection names one entity to include in a custom archive.
type EntitySelection struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
}

// ArchiveRequest is the body of POST /archives.
type ArchiveRequest struct {
	ArchiveName       string            `json:"archive_name"`
	EntitySelections  []EntitySelection `json:"entity_selections"`
	CompressionFormat string            `json:"compression_format"`
	CompressionLevel  int               `json:"compression_level"`
}

// UploadResponse is the result of a study ZIP upload.
type UploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// UploadRequest carries the multipart metadata for a study ZIP upload.
type UploadRequest struct {
	FilePath           string
	Name               string
	PatientID          string
	StudyDescription   string
	Metadata           map[string]any
	ConflictResolution string
}
