package types

import "testing"

func TestIsStorageSOPClass(t *testing.T) {
	tests := []struct {
		name string
		uid  string
		want bool
	}{
		{"CT Image Storage", CTImageStorage, true},
		{"Enhanced CT Image Storage", EnhancedCTImageStorage, true},
		{"MR Image Storage", MRImageStorage, true},
		{"Enhanced MR Image Storage", EnhancedMRImageStorage, true},
		{"PET Image Storage", PETImageStorage, true},
		{"Enhanced PET Image Storage", EnhancedPETImageStorage, true},
		{"Verification", VerificationSOPClass, false},
		{"Study Root Find", StudyRootQueryRetrieveInformationModelFind, false},
		{"Unknown UID", "1.2.3.4.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStorageSOPClass(tt.uid); got != tt.want {
				t.Errorf("IsStorageSOPClass(%s) = %v, want %v", tt.uid, got, tt.want)
			}
		})
	}
}

func TestIsQueryRetrieveSOPClass(t *testing.T) {
	tests := []struct {
		name string
		uid  string
		want bool
	}{
		{"Study Root Find", StudyRootQueryRetrieveInformationModelFind, true},
		{"Study Root Move", StudyRootQueryRetrieveInformationModelMove, true},
		{"Study Root Get", StudyRootQueryRetrieveInformationModelGet, true},
		{"Patient Root Find", PatientRootQueryRetrieveInformationModelFind, true},
		{"Patient/Study Only Get", PatientStudyOnlyQueryRetrieveInformationModelGet, true},
		{"CT Image Storage", CTImageStorage, false},
		{"Unknown UID", "1.2.3.4.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQueryRetrieveSOPClass(tt.uid); got != tt.want {
				t.Errorf("IsQueryRetrieveSOPClass(%s) = %v, want %v", tt.uid, got, tt.want)
			}
		})
	}
}

func TestIsSupportedModality(t *testing.T) {
	tests := []struct {
		modality string
		want     bool
	}{
		{"CT", true},
		{"MR", true},
		{"PT", true},
		{"XA", false},
		{"US", false},
		{"CR", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.modality, func(t *testing.T) {
			if got := IsSupportedModality(tt.modality); got != tt.want {
				t.Errorf("IsSupportedModality(%s) = %v, want %v", tt.modality, got, tt.want)
			}
		})
	}
}

func TestSOPClassConstants(t *testing.T) {
	uids := []struct {
		name string
		uid  string
	}{
		{"VerificationSOPClass", VerificationSOPClass},
		{"CTImageStorage", CTImageStorage},
		{"EnhancedCTImageStorage", EnhancedCTImageStorage},
		{"MRImageStorage", MRImageStorage},
		{"EnhancedMRImageStorage", EnhancedMRImageStorage},
		{"EnhancedMRColorImageStorage", EnhancedMRColorImageStorage},
		{"PETImageStorage", PETImageStorage},
		{"EnhancedPETImageStorage", EnhancedPETImageStorage},
		{"StudyRootQueryRetrieveInformationModelFind", StudyRootQueryRetrieveInformationModelFind},
		{"StudyRootQueryRetrieveInformationModelMove", StudyRootQueryRetrieveInformationModelMove},
		{"StudyRootQueryRetrieveInformationModelGet", StudyRootQueryRetrieveInformationModelGet},
		{"ApplicationContextUID", ApplicationContextUID},
	}

	for _, tt := range uids {
		t.Run(tt.name, func(t *testing.T) {
			if tt.uid == "" {
				t.Errorf("%s is empty", tt.name)
			}
			if len(tt.uid) < 13 || tt.uid[:13] != "1.2.840.10008" {
				t.Errorf("%s = %s, should start with 1.2.840.10008", tt.name, tt.uid)
			}
		})
	}
}

func TestStorageSOPClassListMatchesSet(t *testing.T) {
	if len(StorageSOPClasses) == 0 {
		t.Fatal("StorageSOPClasses is empty")
	}
	for _, uid := range StorageSOPClasses {
		if !IsStorageSOPClass(uid) {
			t.Errorf("negotiated storage SOP class %s not accepted by IsStorageSOPClass", uid)
		}
	}
	for _, uid := range QueryRetrieveSOPClasses {
		if !IsQueryRetrieveSOPClass(uid) {
			t.Errorf("negotiated Q/R SOP class %s not accepted by IsQueryRetrieveSOPClass", uid)
		}
	}
}
