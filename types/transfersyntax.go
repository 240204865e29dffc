package types

// DICOM Transfer Syntax UIDs as defined in DICOM Part 5, Section 8
// https://dicom.nema.org/medical/dicom/current/output/chtml/part05/chapter_8.html

const (
	// ImplicitVRLittleEndian - Default Transfer Syntax for DICOM
	// Uses implicit VR encoding with little endian byte ordering
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian - Explicit VR with little endian byte ordering
	// Recommended for general use due to explicit data types
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// SupportedTransferSyntaxes lists the transfer syntaxes offered for every
// presentation context, in preference order.
var SupportedTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// IsSupportedTransferSyntax returns true for transfer syntaxes the proxy
// can parse and encode.
func IsSupportedTransferSyntax(uid string) bool {
	return uid == ImplicitVRLittleEndian || uid == ExplicitVRLittleEndian
}

// IsExplicitVR returns true if the transfer syntax uses explicit VR encoding.
func IsExplicitVR(uid string) bool {
	return uid == ExplicitVRLittleEndian
}
