package storage

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// IndexFileName is the per-series instance index file.
const IndexFileName = "instances.xml"

// InstanceEntry is one instance record in a series index.
type InstanceEntry struct {
	SOPInstanceUID    string `xml:"sop_instance_uid"`
	InstanceNumber    string `xml:"instance_number"`
	FileName          string `xml:"file_name"`
	FileSize          int64  `xml:"file_size"`
	TransferSyntaxUID string `xml:"transfer_syntax_uid"`
	CreatedAt         string `xml:"created_at"`
	UpdatedAt         string `xml:"updated_at"`
}

// InstanceIndex is the instances.xml document for one series directory.
type InstanceIndex struct {
	XMLName   xml.Name        `xml:"instances"`
	Instances []InstanceEntry `xml:"instance"`
}

// LoadInstanceIndex reads the index for a series directory. A missing
// file yields an empty index.
func LoadInstanceIndex(seriesDir string) (*InstanceIndex, error) {
	path := filepath.Join(seriesDir, IndexFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &InstanceIndex{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance index: %w", err)
	}

	var index InstanceIndex
	if err := xml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse instance index: %w", err)
	}
	return &index, nil
}

// Upsert inserts or updates the entry for its SOP Instance UID and
// reports whether the instance was new to the index.
func (idx *InstanceIndex) Upsert(entry InstanceEntry) bool {
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range idx.Instances {
		if idx.Instances[i].SOPInstanceUID == entry.SOPInstanceUID {
			entry.CreatedAt = idx.Instances[i].CreatedAt
			entry.UpdatedAt = now
			idx.Instances[i] = entry
			return false
		}
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	idx.Instances = append(idx.Instances, entry)
	return true
}

// Count returns the number of indexed instances.
func (idx *InstanceIndex) Count() int {
	return len(idx.Instances)
}

// Save writes the index atomically: temp file in the same directory,
// fsync, then rename over the old index.
func (idx *InstanceIndex) Save(seriesDir string) error {
	body, err := xml.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance index: %w", err)
	}
	content := append([]byte(xml.Header), body...)
	content = append(content, '\n')

	tmp, err := os.CreateTemp(seriesDir, IndexFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp index: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(seriesDir, IndexFileName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace instance index: %w", err)
	}
	return nil
}
