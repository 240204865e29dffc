// Package dicom implements dataset parsing and encoding for the transfer
// syntaxes the proxy negotiates (Implicit and Explicit VR Little Endian).
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/pacsproxy/types"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SQ = "SQ" // Sequence of Items
	VR_ST = "ST" // Short Text
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to a private (odd) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// Less orders tags by group then element, the DICOM encode order.
func (t Tag) Less(other Tag) bool {
	if t.Group != other.Group {
		return t.Group < other.Group
	}
	return t.Element < other.Element
}

// Element represents a DICOM data element
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Dataset represents a collection of DICOM elements
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// Has reports whether the dataset contains the tag.
func (d *Dataset) Has(tag Tag) bool {
	_, exists := d.Elements[tag]
	return exists
}

// Delete removes the element for tag if present.
func (d *Dataset) Delete(tag Tag) {
	delete(d.Elements, tag)
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// SetString inserts or replaces a string element, deriving the VR from the
// tag dictionary when the element is new.
func (d *Dataset) SetString(tag Tag, value string) {
	if element, exists := d.Elements[tag]; exists {
		element.Value = value
		return
	}
	d.AddElement(tag, determineVR(tag), value)
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	if element, exists := d.Elements[tag]; exists {
		switch v := element.Value.(type) {
		case string:
			// Backslash separates values in a multi-valued element
			parts := strings.Split(v, "\\")
			result := make([]string, len(parts))
			for i, part := range parts {
				result[i] = strings.TrimSpace(part)
			}
			return result
		case []string:
			return v
		}
	}
	return nil
}

// SortedTags returns every tag in the dataset in DICOM encode order.
func (d *Dataset) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// isLongVR reports whether the VR uses the 12-byte explicit header
// (2 reserved bytes plus a 4-byte length).
func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_UC, VR_UN, VR_UR, VR_UT, "SV", "UV":
		return true
	}
	return false
}

// ParseDataset parses a DICOM dataset from raw bytes (Explicit VR Little Endian)
func ParseDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		if isLongVR(vr) {
			// Tag (4) + VR (2) + Reserved (2) + Length (4)
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			// Tag (4) + VR (2) + Length (2)
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		value := parseElementValue(data[valueOffset : valueOffset+int(length)])
		dataset.AddElement(tag, vr, value)

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return ParseDataset(data)
	case TransferSyntaxImplicitVRLittleEndian:
		return parseImplicitVRDataset(data)
	default:
		return ParseDataset(data)
	}
}

func parseImplicitVRDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		value := parseElementValue(data[valueOffset : valueOffset+int(length)])
		dataset.AddElement(tag, determineVR(tag), value)

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// parseElementValue parses the value from raw element data.
// Pixel data and other binary values stay as raw bytes.
func parseElementValue(data []byte) interface{} {
	if len(data) == 0 {
		return ""
	}

	for _, b := range data {
		if b != 0 && (b < 0x20 || b > 0x7E) && b != '\n' && b != '\r' && b != '\t' {
			raw := make([]byte, len(data))
			copy(raw, data)
			return raw
		}
	}

	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// tagVRDictionary covers the tags this proxy reads, writes, or anonymizes.
var tagVRDictionary = map[Tag]string{
	TagFileMetaInformationVersion: VR_OB,
	TagMediaStorageSOPClassUID:    VR_UI,
	TagMediaStorageSOPInstanceUID: VR_UI,
	TagTransferSyntaxUID:          VR_UI,
	TagImplementationClassUID:     VR_UI,
	TagImplementationVersionName:  VR_SH,

	{0x0008, 0x0005}:                      VR_CS, // Specific Character Set
	TagSOPClassUID:                        VR_UI,
	TagSOPInstanceUID:                     VR_UI,
	TagStudyDate:                          VR_DA,
	TagSeriesDate:                         VR_DA,
	TagAcquisitionDate:                    VR_DA,
	TagContentDate:                        VR_DA,
	TagStudyTime:                          VR_TM,
	TagSeriesTime:                         VR_TM,
	TagAcquisitionTime:                    VR_TM,
	TagContentTime:                        VR_TM,
	TagAccessionNumber:                    VR_SH,
	TagQueryRetrieveLevel:                 VR_CS,
	TagRetrieveAETitle:                    VR_AE,
	TagModality:                           VR_CS,
	TagInstitutionName:                    VR_LO,
	TagInstitutionAddress:                 VR_ST,
	TagReferringPhysicianName:             VR_PN,
	TagReferringPhysicianAddress:          VR_ST,
	TagReferringPhysicianTelephoneNumbers: VR_SH,
	TagStationName:                        VR_SH,
	TagStudyDescription:                   VR_LO,
	TagSeriesDescription:                  VR_LO,
	TagInstitutionalDepartmentName:        VR_LO,
	TagPhysiciansOfRecord:                 VR_PN,
	TagPerformingPhysicianName:            VR_PN,
	TagNameOfPhysiciansReadingStudy:       VR_PN,
	TagOperatorsName:                      VR_PN,

	TagPatientName:              VR_PN,
	TagPatientID:                VR_LO,
	TagIssuerOfPatientID:        VR_LO,
	TagPatientBirthDate:         VR_DA,
	TagPatientSex:               VR_CS,
	TagOtherPatientIDs:          VR_LO,
	TagOtherPatientNames:        VR_PN,
	TagPatientBirthName:         VR_PN,
	TagPatientSize:              VR_DS,
	TagPatientWeight:            VR_DS,
	TagMedicalRecordLocator:     VR_LO,
	TagEthnicGroup:              VR_SH,
	TagOccupation:               VR_SH,
	TagAdditionalPatientHistory: VR_LT,
	TagPatientComments:          VR_LT,

	TagDeviceSerialNumber:                 VR_LO,
	TagStudyInstanceUID:                   VR_UI,
	TagSeriesInstanceUID:                  VR_UI,
	TagStudyID:                            VR_SH,
	TagSeriesNumber:                       VR_IS,
	TagInstanceNumber:                     VR_IS,
	TagFrameOfReferenceUID:                VR_UI,
	TagSynchronizationFrameOfReferenceUID: VR_UI,
	TagImageComments:                      VR_LT,
	TagRequestAttributesSequence:          VR_SQ,
	TagStorageMediaFileSetUID:             VR_UI,
	TagReferencedFrameOfReferenceUID:      VR_UI,
	TagRelatedFrameOfReferenceUID:         VR_UI,

	{0x7FE0, 0x0010}: VR_OW, // Pixel Data
}

// determineVR resolves the VR for a tag from the dictionary, falling back
// to UN for tags the proxy never interprets.
func determineVR(tag Tag) string {
	if vr, ok := tagVRDictionary[tag]; ok {
		return vr
	}
	return VR_UN
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	var result []byte

	// DICOM requires elements in ascending tag order
	for _, tag := range d.SortedTags() {
		element := d.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		vr := element.VR
		if len(vr) != 2 {
			vr = determineVR(tag)
		}
		result = append(result, []byte(vr)...)

		valueBytes := padValue(vr, encodeElementValue(element))

		if isLongVR(vr) {
			// VR (2) + Reserved (2) + Length (4)
			result = append(result, 0x00, 0x00)
			lengthBytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
			result = append(result, lengthBytes...)
		} else {
			// VR (2) + Length (2)
			if len(valueBytes) > 65534 {
				valueBytes = valueBytes[:65534]
			}
			lengthBytes := make([]byte, 2)
			binary.LittleEndian.PutUint16(lengthBytes, uint16(len(valueBytes)))
			result = append(result, lengthBytes...)
		}

		result = append(result, valueBytes...)
	}

	return result
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return dataset.EncodeDataset(), nil
	case TransferSyntaxImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	default:
		return dataset.EncodeDataset(), nil
	}
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte

	for _, tag := range dataset.SortedTags() {
		element := dataset.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		valueBytes := padValue(element.VR, encodeElementValue(element))

		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
		result = append(result, lengthBytes...)
		result = append(result, valueBytes...)
	}

	return result
}

// padValue pads odd-length values to the even length DICOM requires.
// UI values pad with NUL, everything else with space.
func padValue(vr string, value []byte) []byte {
	if len(value)%2 == 0 {
		return value
	}
	if vr == VR_UI || vr == VR_OB || vr == VR_OW || vr == VR_UN {
		return append(value, 0x00)
	}
	return append(value, 0x20)
}

// encodeElementValue encodes an element value to bytes
func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		joined := strings.Join(v, "\\")
		return []byte(strings.TrimRight(joined, "\x00"))
	case []byte:
		return v
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case uint16:
		result := make([]byte, 2)
		binary.LittleEndian.PutUint16(result, v)
		return result
	case uint32:
		result := make([]byte, 4)
		binary.LittleEndian.PutUint32(result, v)
		return result
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
