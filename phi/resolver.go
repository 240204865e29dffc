package phi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caio-sobreiro/pacsproxy/dicom"
	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

// Resolver restores original PHI into anonymized datasets before they
// leave the proxy towards a clinical node.
type Resolver struct {
	mappings *MappingRepository
	logger   *slog.Logger
}

// NewResolver creates a resolver backed by the mapping repository.
func NewResolver(mappings *MappingRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{mappings: mappings, logger: logger}
}

// Lookup finds the mapping for an anonymized name or ID. Person names
// carrying a trailing caret separator are retried with it stripped.
func (r *Resolver) Lookup(ctx context.Context, anonymousValue string) (*PatientMapping, error) {
	mapping, err := r.mappings.FindByAnonymous(ctx, anonymousValue)
	if err == nil {
		return mapping, nil
	}
	if !errors.Is(err, proxyerrors.ErrNotFound) {
		return nil, err
	}

	if strings.Contains(anonymousValue, "^") {
		stripped := strings.TrimRight(anonymousValue, "^")
		if stripped != anonymousValue {
			return r.mappings.FindByAnonymous(ctx, stripped)
		}
	}
	return nil, err
}

// ResolveDataset rewrites the dataset in place, restoring the original
// patient identifiers and every captured PHI level the caller provides.
// Individual tag failures are logged and skipped; only a missing mapping
// fails the operation.
func (r *Resolver) ResolveDataset(ctx context.Context, ds *dicom.Dataset, studyPHI, seriesPHI PHIMap) error {
	anonymousName := ds.GetString(dicom.TagPatientName)
	anonymousID := ds.GetString(dicom.TagPatientID)

	mapping, err := r.Lookup(ctx, anonymousID)
	if err != nil && anonymousName != "" {
		mapping, err = r.Lookup(ctx, anonymousName)
	}
	if err != nil {
		return fmt.Errorf("no mapping for anonymized patient %q/%q: %w", anonymousName, anonymousID, err)
	}

	ds.SetString(dicom.TagPatientName, mapping.OriginalName)
	ds.SetString(dicom.TagPatientID, mapping.OriginalID)

	r.restoreLevel(ctx, ds, mapping.PatientLevelPHI)
	r.restoreLevel(ctx, ds, studyPHI)
	r.restoreLevel(ctx, ds, seriesPHI)

	r.logger.DebugContext(ctx, "Dataset de-anonymized",
		"anonymous_id", mapping.AnonymousID,
		"original_id", mapping.OriginalID)

	return nil
}

// restoreLevel writes one PHI level back into the dataset. PatientName
// and PatientID are never touched here; they are set from the mapping.
func (r *Resolver) restoreLevel(ctx context.Context, ds *dicom.Dataset, level PHIMap) {
	for keyword, value := range level {
		if keyword == "PatientName" || keyword == "PatientID" {
			continue
		}
		tag, ok := keywordToTag[keyword]
		if !ok {
			r.logger.WarnContext(ctx, "Unknown PHI keyword, skipping", "keyword", keyword)
			continue
		}
		ds.SetString(tag, value)
	}
}

// ResolveToAnonymous inverts the mapping for query filters: given an
// original patient name or ID, it returns the anonymized identifiers
// stored for that patient.
func (r *Resolver) ResolveToAnonymous(ctx context.Context, originalValue string) (*PatientMapping, error) {
	mapping, err := r.mappings.FindByOriginal(ctx, originalValue)
	if err == nil {
		return mapping, nil
	}
	if !errors.Is(err, proxyerrors.ErrNotFound) {
		return nil, err
	}

	if strings.Contains(originalValue, "^") {
		stripped := strings.TrimRight(originalValue, "^")
		if stripped != originalValue {
			return r.mappings.FindByOriginal(ctx, stripped)
		}
	}
	return nil, err
}
