package types

// DICOM Application Context UID
// The Application Context defines the DICOM application-level message exchange rules.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification Service
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage SOP Classes the proxy negotiates. Only CT, MR, PET and their
// Enhanced forms are accepted from modalities.
const (
	CTImageStorage              = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage      = "1.2.840.10008.5.1.4.1.1.2.1"
	MRImageStorage              = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage      = "1.2.840.10008.5.1.4.1.1.4.1"
	EnhancedMRColorImageStorage = "1.2.840.10008.5.1.4.1.1.4.3"
	PETImageStorage             = "1.2.840.10008.5.1.4.1.1.128"
	EnhancedPETImageStorage     = "1.2.840.10008.5.1.4.1.1.130"
)

// Query/Retrieve Service SOP Classes
const (
	// Study Root Query/Retrieve
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	// Patient Root Query/Retrieve
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"

	// Patient/Study Only Query/Retrieve
	PatientStudyOnlyQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.3.1"
	PatientStudyOnlyQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.3.2"
	PatientStudyOnlyQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.3.3"
)

// StorageSOPClasses lists every Storage SOP Class the proxy offers in
// association negotiation.
var StorageSOPClasses = []string{
	CTImageStorage,
	EnhancedCTImageStorage,
	MRImageStorage,
	EnhancedMRImageStorage,
	EnhancedMRColorImageStorage,
	PETImageStorage,
	EnhancedPETImageStorage,
}

// QueryRetrieveSOPClasses lists the Q/R information model roots the proxy
// offers in association negotiation.
var QueryRetrieveSOPClasses = []string{
	PatientRootQueryRetrieveInformationModelFind,
	PatientRootQueryRetrieveInformationModelMove,
	PatientRootQueryRetrieveInformationModelGet,
	StudyRootQueryRetrieveInformationModelFind,
	StudyRootQueryRetrieveInformationModelMove,
	StudyRootQueryRetrieveInformationModelGet,
	PatientStudyOnlyQueryRetrieveInformationModelFind,
	PatientStudyOnlyQueryRetrieveInformationModelMove,
	PatientStudyOnlyQueryRetrieveInformationModelGet,
}

var storageSOPClassSet = func() map[string]bool {
	set := make(map[string]bool, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		set[uid] = true
	}
	return set
}()

var queryRetrieveSOPClassSet = func() map[string]bool {
	set := make(map[string]bool, len(QueryRetrieveSOPClasses))
	for _, uid := range QueryRetrieveSOPClasses {
		set[uid] = true
	}
	return set
}()

// IsStorageSOPClass returns true if the UID is a supported storage SOP class
func IsStorageSOPClass(uid string) bool {
	return storageSOPClassSet[uid]
}

// IsQueryRetrieveSOPClass returns true if the UID is a supported query/retrieve SOP class
func IsQueryRetrieveSOPClass(uid string) bool {
	return queryRetrieveSOPClassSet[uid]
}

// supportedModalities holds the modality codes accepted on C-STORE.
// Enhanced SOP classes carry the same Modality (0008,0060) values.
var supportedModalities = map[string]bool{
	"CT": true,
	"MR": true,
	"PT": true,
}

// IsSupportedModality returns true for modality codes the proxy ingests.
func IsSupportedModality(modality string) bool {
	return supportedModalities[modality]
}
