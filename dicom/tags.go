package dicom

// File Meta Information (group 0002) tags
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}
)

// Group 0008 tags
var (
	TagSOPClassUID                        = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                     = Tag{0x0008, 0x0018}
	TagStudyDate                          = Tag{0x0008, 0x0020}
	TagSeriesDate                         = Tag{0x0008, 0x0021}
	TagAcquisitionDate                    = Tag{0x0008, 0x0022}
	TagContentDate                        = Tag{0x0008, 0x0023}
	TagStudyTime                          = Tag{0x0008, 0x0030}
	TagSeriesTime                         = Tag{0x0008, 0x0031}
	TagAcquisitionTime                    = Tag{0x0008, 0x0032}
	TagContentTime                        = Tag{0x0008, 0x0033}
	TagAccessionNumber                    = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel                 = Tag{0x0008, 0x0052}
	TagRetrieveAETitle                    = Tag{0x0008, 0x0054}
	TagModality                           = Tag{0x0008, 0x0060}
	TagInstitutionName                    = Tag{0x0008, 0x0080}
	TagInstitutionAddress                 = Tag{0x0008, 0x0081}
	TagReferringPhysicianName             = Tag{0x0008, 0x0090}
	TagReferringPhysicianAddress          = Tag{0x0008, 0x0092}
	TagReferringPhysicianTelephoneNumbers = Tag{0x0008, 0x0094}
	TagStationName                        = Tag{0x0008, 0x1010}
	TagStudyDescription                   = Tag{0x0008, 0x1030}
	TagSeriesDescription                  = Tag{0x0008, 0x103E}
	TagInstitutionalDepartmentName        = Tag{0x0008, 0x1040}
	TagPhysiciansOfRecord                 = Tag{0x0008, 0x1048}
	TagPerformingPhysicianName            = Tag{0x0008, 0x1050}
	TagNameOfPhysiciansReadingStudy       = Tag{0x0008, 0x1060}
	TagOperatorsName                      = Tag{0x0008, 0x1070}
)

// Group 0010 (patient) tags
var (
	TagPatientName              = Tag{0x0010, 0x0010}
	TagPatientID                = Tag{0x0010, 0x0020}
	TagIssuerOfPatientID        = Tag{0x0010, 0x0021}
	TagPatientBirthDate         = Tag{0x0010, 0x0030}
	TagPatientSex               = Tag{0x0010, 0x0040}
	TagOtherPatientIDs          = Tag{0x0010, 0x1000}
	TagOtherPatientNames        = Tag{0x0010, 0x1001}
	TagPatientBirthName         = Tag{0x0010, 0x1005}
	TagPatientSize              = Tag{0x0010, 0x1020}
	TagPatientWeight            = Tag{0x0010, 0x1030}
	TagMedicalRecordLocator     = Tag{0x0010, 0x1090}
	TagEthnicGroup              = Tag{0x0010, 0x2160}
	TagOccupation               = Tag{0x0010, 0x2180}
	TagAdditionalPatientHistory = Tag{0x0010, 0x21B0}
	TagPatientComments          = Tag{0x0010, 0x4000}
)

// Acquisition and relationship tags
var (
	TagDeviceSerialNumber                 = Tag{0x0018, 0x1000}
	TagStudyInstanceUID                   = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID                  = Tag{0x0020, 0x000E}
	TagStudyID                            = Tag{0x0020, 0x0010}
	TagSeriesNumber                       = Tag{0x0020, 0x0011}
	TagInstanceNumber                     = Tag{0x0020, 0x0013}
	TagFrameOfReferenceUID                = Tag{0x0020, 0x0052}
	TagSynchronizationFrameOfReferenceUID = Tag{0x0020, 0x0200}
	TagImageComments                      = Tag{0x0020, 0x4000}
	TagRequestAttributesSequence          = Tag{0x0040, 0x0275}
	TagStorageMediaFileSetUID             = Tag{0x0088, 0x0140}
	TagReferencedFrameOfReferenceUID      = Tag{0x3006, 0x0024}
	TagRelatedFrameOfReferenceUID         = Tag{0x3006, 0x00C2}
)
