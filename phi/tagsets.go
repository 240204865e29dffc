// Package phi implements the anonymization engine: three-level PHI
// capture, deterministic per-patient pseudonymization with a persistent
// mapping table, and reversible de-anonymization.
package phi

import (
	"github.com/caio-sobreiro/pacsproxy/dicom"
)

// PHIMap holds captured tag values keyed by tag keyword.
type PHIMap map[string]string

// Clone returns a copy of the map, nil-safe.
func (m PHIMap) Clone() PHIMap {
	if m == nil {
		return nil
	}
	out := make(PHIMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies entries from other into m, never replacing an existing
// key with an empty value.
func (m PHIMap) Merge(other PHIMap) {
	for k, v := range other {
		if v == "" {
			if _, exists := m[k]; exists {
				continue
			}
		}
		m[k] = v
	}
}

// patientLevelTags are captured into PatientMapping.PatientLevelPHI and
// blanked in the anonymized dataset.
var patientLevelTags = map[dicom.Tag]string{
	dicom.TagPatientBirthDate:         "PatientBirthDate",
	dicom.TagPatientBirthName:         "PatientBirthName",
	dicom.TagPatientSize:              "PatientSize",
	dicom.TagPatientWeight:            "PatientWeight",
	dicom.TagPatientSex:               "PatientSex",
	dicom.TagOtherPatientIDs:          "OtherPatientIDs",
	dicom.TagOtherPatientNames:        "OtherPatientNames",
	dicom.TagEthnicGroup:              "EthnicGroup",
	dicom.TagOccupation:               "Occupation",
	dicom.TagAdditionalPatientHistory: "AdditionalPatientHistory",
	dicom.TagPatientComments:          "PatientComments",
	dicom.TagMedicalRecordLocator:     "MedicalRecordLocator",
	dicom.TagIssuerOfPatientID:        "IssuerOfPatientID",
}

// studyLevelTags are captured into Session.StudyLevelPHI.
var studyLevelTags = map[dicom.Tag]string{
	dicom.TagStudyDate:                          "StudyDate",
	dicom.TagStudyTime:                          "StudyTime",
	dicom.TagStudyID:                            "StudyID",
	dicom.TagInstitutionName:                    "InstitutionName",
	dicom.TagInstitutionAddress:                 "InstitutionAddress",
	dicom.TagInstitutionalDepartmentName:        "InstitutionalDepartmentName",
	dicom.TagStationName:                        "StationName",
	dicom.TagReferringPhysicianName:             "ReferringPhysicianName",
	dicom.TagReferringPhysicianAddress:          "ReferringPhysicianAddress",
	dicom.TagReferringPhysicianTelephoneNumbers: "ReferringPhysicianTelephoneNumbers",
	dicom.TagPhysiciansOfRecord:                 "PhysiciansOfRecord",
	dicom.TagPerformingPhysicianName:            "PerformingPhysicianName",
	dicom.TagNameOfPhysiciansReadingStudy:       "NameOfPhysiciansReadingStudy",
	dicom.TagOperatorsName:                      "OperatorsName",
}

// seriesLevelTags are captured into Scan.SeriesLevelPHI.
var seriesLevelTags = map[dicom.Tag]string{
	dicom.TagSeriesDate:         "SeriesDate",
	dicom.TagSeriesTime:         "SeriesTime",
	dicom.TagAcquisitionDate:    "AcquisitionDate",
	dicom.TagAcquisitionTime:    "AcquisitionTime",
	dicom.TagContentDate:        "ContentDate",
	dicom.TagContentTime:        "ContentTime",
	dicom.TagDeviceSerialNumber: "DeviceSerialNumber",
	dicom.TagImageComments:      "ImageComments",
}

// removedTags are deleted outright and never restored.
var removedTags = []dicom.Tag{
	dicom.TagFrameOfReferenceUID,
	dicom.TagSynchronizationFrameOfReferenceUID,
	dicom.TagRequestAttributesSequence,
	dicom.TagStorageMediaFileSetUID,
	dicom.TagReferencedFrameOfReferenceUID,
	dicom.TagRelatedFrameOfReferenceUID,
}

// keywordToTag is the inverse of the three level maps, used when
// restoring PHI into a dataset.
var keywordToTag = func() map[string]dicom.Tag {
	out := make(map[string]dicom.Tag)
	for _, set := range []map[dicom.Tag]string{patientLevelTags, studyLevelTags, seriesLevelTags} {
		for tag, keyword := range set {
			out[keyword] = tag
		}
	}
	return out
}()

// isDateKeyword reports whether the keyword names a DA-class tag, which
// anonymization replaces with "19700101".
func isDateKeyword(keyword string) bool {
	switch keyword {
	case "PatientBirthDate", "StudyDate", "SeriesDate", "AcquisitionDate", "ContentDate":
		return true
	}
	return false
}

// isTimeKeyword reports whether the keyword names a TM-class tag, which
// anonymization replaces with "000000".
func isTimeKeyword(keyword string) bool {
	switch keyword {
	case "StudyTime", "SeriesTime", "AcquisitionTime", "ContentTime":
		return true
	}
	return false
}
