package services

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/storage"
)

// stagedInstance is one on-disk instance paired with the PHI captured
// for its series, so retrieval can restore the original identifiers.
type stagedInstance struct {
	Path      string
	StudyPHI  phi.PHIMap
	SeriesPHI phi.PHIMap
}

// collectStagedInstances gathers every instance file of a staged study,
// optionally narrowed to one series.
func collectStagedInstances(ctx context.Context, staging *storage.StagingStore, session *storage.Session, seriesUID string) ([]stagedInstance, error) {
	scans, err := staging.ListScansForSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	var instances []stagedInstance
	for _, scan := range scans {
		if seriesUID != "" && scan.SeriesInstanceUID != seriesUID {
			continue
		}
		err := filepath.WalkDir(scan.StoragePath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".dcm") {
				instances = append(instances, stagedInstance{
					Path:      path,
					StudyPHI:  session.StudyLevelPHI,
					SeriesPHI: scan.SeriesLevelPHI,
				})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk series %s: %w", scan.SeriesInstanceUID, err)
		}
	}
	return instances, nil
}
