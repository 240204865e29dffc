package dicom

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Implementation identity written into every File Meta Information group.
const (
	ImplementationClassUID     = "1.2.826.0.1.3680043.10.1082.1"
	ImplementationVersionName  = "PACSPROXY_10"
	fileMetaInformationVersion = "\x00\x01"
)

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}

// StripPart10Header removes the Part 10 preamble and File Meta Information,
// returning the bare dataset and the transfer syntax it is encoded with.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002, always Explicit VR LE)
//   - Dataset
func StripPart10Header(data []byte) ([]byte, string, error) {
	if len(data) < 132 {
		return nil, "", fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}

	if string(data[128:132]) != "DICM" {
		return nil, "", fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	offset := 132
	var transferSyntaxUID string

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])

		// Past group 0x0002 the dataset begins
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		if isLongVR(vr) {
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		if element == 0x0010 {
			transferSyntaxUID = strings.TrimRight(string(data[valueOffset:valueOffset+int(length)]), "\x00 ")
		}

		offset = valueOffset + int(length)
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], transferSyntaxUID, nil
}

// EncodePart10 wraps an encoded dataset in a Part 10 envelope: 128-byte
// preamble, DICM prefix, and a File Meta Information group carrying the
// transfer syntax and the SOP identity taken from the dataset.
func EncodePart10(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if transferSyntaxUID == "" {
		transferSyntaxUID = TransferSyntaxExplicitVRLittleEndian
	}

	sopClassUID := dataset.GetString(TagSOPClassUID)
	sopInstanceUID := dataset.GetString(TagSOPInstanceUID)
	if sopInstanceUID == "" {
		return nil, fmt.Errorf("dataset has no SOP Instance UID")
	}

	meta := NewDataset()
	meta.AddElement(TagFileMetaInformationVersion, VR_OB, []byte(fileMetaInformationVersion))
	meta.AddElement(TagMediaStorageSOPClassUID, VR_UI, sopClassUID)
	meta.AddElement(TagMediaStorageSOPInstanceUID, VR_UI, sopInstanceUID)
	meta.AddElement(TagTransferSyntaxUID, VR_UI, transferSyntaxUID)
	meta.AddElement(TagImplementationClassUID, VR_UI, ImplementationClassUID)
	meta.AddElement(TagImplementationVersionName, VR_SH, ImplementationVersionName)

	// File meta is always Explicit VR LE regardless of the dataset encoding
	metaBytes := meta.EncodeDataset()

	datasetBytes, err := EncodeDatasetWithTransferSyntax(dataset, transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("encoding dataset: %w", err)
	}

	out := make([]byte, 0, 132+12+len(metaBytes)+len(datasetBytes))
	out = append(out, make([]byte, 128)...)
	out = append(out, []byte("DICM")...)

	// (0002,0000) FileMetaInformationGroupLength precedes the group it measures
	groupLength := make([]byte, 12)
	binary.LittleEndian.PutUint16(groupLength[0:2], 0x0002)
	binary.LittleEndian.PutUint16(groupLength[2:4], 0x0000)
	groupLength[4] = 'U'
	groupLength[5] = 'L'
	binary.LittleEndian.PutUint16(groupLength[6:8], 4)
	binary.LittleEndian.PutUint32(groupLength[8:12], uint32(len(metaBytes)))
	out = append(out, groupLength...)

	out = append(out, metaBytes...)
	out = append(out, datasetBytes...)
	return out, nil
}

// ReadFile loads a DICOM file from disk, accepting both Part 10 files and
// bare datasets, and returns the parsed dataset plus its transfer syntax.
func ReadFile(path string) (*Dataset, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}

	transferSyntaxUID := TransferSyntaxExplicitVRLittleEndian
	if HasPart10Header(data) {
		var stripped []byte
		stripped, transferSyntaxUID, err = StripPart10Header(data)
		if err != nil {
			return nil, "", err
		}
		if transferSyntaxUID == "" {
			transferSyntaxUID = TransferSyntaxExplicitVRLittleEndian
		}
		data = stripped
	}

	dataset, err := ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return dataset, transferSyntaxUID, nil
}

// WriteFile writes a dataset to disk as a Part 10 file.
func WriteFile(path string, dataset *Dataset, transferSyntaxUID string) error {
	encoded, err := EncodePart10(dataset, transferSyntaxUID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
