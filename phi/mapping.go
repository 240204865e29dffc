package phi

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

// AnonymousPrefix is prepended to the original patient ID to derive the
// anonymized identifiers.
const AnonymousPrefix = "ANON-"

// UnknownPatient is substituted when a dataset carries no patient
// identifiers.
const UnknownPatient = "UNKNOWN"

// AnonymousIDFor derives the deterministic anonymized identifier for an
// original patient ID. Both AnonymousName and AnonymousID use it.
func AnonymousIDFor(originalID string) string {
	return AnonymousPrefix + originalID
}

// Value implements driver.Valuer, storing the map as JSON.
func (m PHIMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *PHIMap) Scan(src any) error {
	if src == nil {
		*m = PHIMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into PHIMap", src)
	}
	if len(raw) == 0 {
		*m = PHIMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// PatientMapping links one original patient identity to its anonymized
// counterpart and carries the captured patient-level PHI.
type PatientMapping struct {
	ID              int64     `db:"id"`
	OriginalName    string    `db:"original_name"`
	OriginalID      string    `db:"original_id"`
	AnonymousName   string    `db:"anonymous_name"`
	AnonymousID     string    `db:"anonymous_id"`
	PatientLevelPHI PHIMap    `db:"patient_level_phi"`
	CreatedAt       time.Time `db:"created_at"`
}

// MappingRepository persists patient mappings. Writes are serialized by
// a mutex; the table's unique constraints remain the ultimate
// tie-breaker for concurrent creation of the same patient.
type MappingRepository struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewMappingRepository creates a repository over an open database. The
// patient_mappings table is created by the storage schema.
func NewMappingRepository(db *sqlx.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// GetOrCreate returns the mapping for the given original identity,
// creating it if absent. Creation races resolve by re-reading the row
// inserted by the winner.
func (r *MappingRepository) GetOrCreate(ctx context.Context, originalName, originalID string) (*PatientMapping, error) {
	if originalName == "" {
		originalName = UnknownPatient
	}
	if originalID == "" {
		originalID = UnknownPatient
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.findByOriginal(ctx, originalName, originalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	mapping := &PatientMapping{
		OriginalName:    originalName,
		OriginalID:      originalID,
		AnonymousName:   AnonymousIDFor(originalID),
		AnonymousID:     AnonymousIDFor(originalID),
		PatientLevelPHI: PHIMap{},
		CreatedAt:       time.Now().UTC(),
	}

	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO patient_mappings
			(original_name, original_id, anonymous_name, anonymous_id, patient_level_phi, created_at)
		VALUES
			(:original_name, :original_id, :anonymous_name, :anonymous_id, :patient_level_phi, :created_at)`,
		mapping)
	if err != nil {
		if isUniqueViolation(err) {
			return r.findByOriginal(ctx, originalName, originalID)
		}
		return nil, fmt.Errorf("failed to create patient mapping: %w", err)
	}

	mapping.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping id: %w", err)
	}

	return mapping, nil
}

func (r *MappingRepository) findByOriginal(ctx context.Context, originalName, originalID string) (*PatientMapping, error) {
	var mapping PatientMapping
	err := r.db.GetContext(ctx, &mapping, `
		SELECT * FROM patient_mappings WHERE original_name = ? AND original_id = ?`,
		originalName, originalID)
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// FindByAnonymous looks up a mapping by anonymous name or ID.
func (r *MappingRepository) FindByAnonymous(ctx context.Context, value string) (*PatientMapping, error) {
	var mapping PatientMapping
	err := r.db.GetContext(ctx, &mapping, `
		SELECT * FROM patient_mappings WHERE anonymous_name = ? OR anonymous_id = ?`,
		value, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proxyerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// FindByOriginal looks up a mapping by original name or ID.
func (r *MappingRepository) FindByOriginal(ctx context.Context, value string) (*PatientMapping, error) {
	var mapping PatientMapping
	err := r.db.GetContext(ctx, &mapping, `
		SELECT * FROM patient_mappings WHERE original_name = ? OR original_id = ?`,
		value, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proxyerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// FindByOriginalID looks up a mapping by original patient ID only.
func (r *MappingRepository) FindByOriginalID(ctx context.Context, originalID string) (*PatientMapping, error) {
	var mapping PatientMapping
	err := r.db.GetContext(ctx, &mapping, `
		SELECT * FROM patient_mappings WHERE original_id = ?`, originalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proxyerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// MergePatientPHI folds newly captured patient-level PHI into the
// mapping. Existing keys are never overwritten with empty values.
func (r *MappingRepository) MergePatientPHI(ctx context.Context, mapping *PatientMapping, captured PHIMap) error {
	if len(captured) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if mapping.PatientLevelPHI == nil {
		mapping.PatientLevelPHI = PHIMap{}
	}
	mapping.PatientLevelPHI.Merge(captured)

	_, err := r.db.ExecContext(ctx, `
		UPDATE patient_mappings SET patient_level_phi = ? WHERE id = ?`,
		mapping.PatientLevelPHI, mapping.ID)
	if err != nil {
		return fmt.Errorf("failed to update patient PHI: %w", err)
	}
	return nil
}

// Delete removes a mapping row.
func (r *MappingRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM patient_mappings WHERE id = ?`, id)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
