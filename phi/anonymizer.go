package phi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/dicom"
)

// Replacement values for anonymized date and time tags.
const (
	anonymizedDate = "19700101"
	anonymizedTime = "000000"
)

// AnonymizationResult carries the mapping and the captured PHI for the
// caller to persist at the right level.
type AnonymizationResult struct {
	Mapping    *PatientMapping
	PatientPHI PHIMap
	StudyPHI   PHIMap
	SeriesPHI  PHIMap
}

// Anonymizer rewrites datasets in place, capturing PHI into the mapping
// table before blanking it.
type Anonymizer struct {
	mappings *MappingRepository
	logger   *slog.Logger
}

// NewAnonymizer creates an anonymizer backed by the mapping repository.
func NewAnonymizer(mappings *MappingRepository, logger *slog.Logger) *Anonymizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Anonymizer{mappings: mappings, logger: logger}
}

// Anonymize rewrites the dataset in place: captures the three PHI
// levels, resolves or creates the patient mapping, replaces the patient
// identifiers with their anonymized forms, blanks the PHI tags, and
// strips the removed and private tags.
func (a *Anonymizer) Anonymize(ctx context.Context, ds *dicom.Dataset) (*AnonymizationResult, error) {
	originalName := ds.GetString(dicom.TagPatientName)
	originalID := ds.GetString(dicom.TagPatientID)
	if originalName == "" {
		originalName = UnknownPatient
	}
	if originalID == "" {
		originalID = UnknownPatient
	}

	patientPHI := captureTags(ds, patientLevelTags)
	studyPHI := captureTags(ds, studyLevelTags)
	seriesPHI := captureTags(ds, seriesLevelTags)

	mapping, err := a.mappings.GetOrCreate(ctx, originalName, originalID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve patient mapping: %w", err)
	}

	if err := a.mappings.MergePatientPHI(ctx, mapping, patientPHI); err != nil {
		return nil, fmt.Errorf("failed to persist patient PHI: %w", err)
	}

	ds.SetString(dicom.TagPatientName, mapping.AnonymousName)
	ds.SetString(dicom.TagPatientID, mapping.AnonymousID)

	blankTags(ds, patientLevelTags)
	blankTags(ds, studyLevelTags)
	blankTags(ds, seriesLevelTags)

	for _, tag := range removedTags {
		ds.Delete(tag)
	}
	stripPrivateTags(ds)

	a.logger.DebugContext(ctx, "Dataset anonymized",
		"anonymous_id", mapping.AnonymousID,
		"patient_phi", len(patientPHI),
		"study_phi", len(studyPHI),
		"series_phi", len(seriesPHI))

	return &AnonymizationResult{
		Mapping:    mapping,
		PatientPHI: patientPHI,
		StudyPHI:   studyPHI,
		SeriesPHI:  seriesPHI,
	}, nil
}

// captureTags extracts the values for every tag of a level set that is
// present in the dataset with a non-empty value.
func captureTags(ds *dicom.Dataset, set map[dicom.Tag]string) PHIMap {
	captured := PHIMap{}
	for tag, keyword := range set {
		if !ds.Has(tag) {
			continue
		}
		if value := ds.GetString(tag); value != "" {
			captured[keyword] = value
		}
	}
	return captured
}

// blankTags overwrites the present tags of a level set with their
// anonymized replacement: epoch date for DA, midnight for TM, empty
// string otherwise.
func blankTags(ds *dicom.Dataset, set map[dicom.Tag]string) {
	for tag, keyword := range set {
		if !ds.Has(tag) {
			continue
		}
		switch {
		case isDateKeyword(keyword):
			ds.SetString(tag, anonymizedDate)
		case isTimeKeyword(keyword):
			ds.SetString(tag, anonymizedTime)
		default:
			ds.SetString(tag, "")
		}
	}
}

func stripPrivateTags(ds *dicom.Dataset) {
	for _, tag := range ds.SortedTags() {
		if tag.IsPrivate() {
			ds.Delete(tag)
		}
	}
}
