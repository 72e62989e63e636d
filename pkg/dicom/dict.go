package dicom

// DictEntry describes one standard data element.
type DictEntry struct {
	VR      VR
	Keyword string
}

// Lookup returns the dictionary entry for a tag. Unknown and private tags
// return ("UN", "") and ok=false.
func Lookup(t Tag) (DictEntry, bool) {
	e, ok := dict[t]
	if !ok {
		return DictEntry{VR: VRUnknown}, false
	}
	return e, true
}

// dictVR resolves the VR used when parsing implicit little endian.
func dictVR(t Tag) VR {
	if e, ok := dict[t]; ok {
		return e.VR
	}
	return VRUnknown
}

// dict is a curated subset of the PS3.6 registry: the file meta group, the
// identity, study, series and equipment modules, the date/time elements the
// anonymiser rewrites, and the elements named by project tag schemes. Tags
// outside the table parse as UN and survive round-trips untouched.
var dict = map[Tag]DictEntry{
	{0x0002, 0x0000}: {VRUnsignedLong, "FileMetaInformationGroupLength"},
	{0x0002, 0x0001}: {VROtherByte, "FileMetaInformationVersion"},
	{0x0002, 0x0002}: {VRUniqueIdentifier, "MediaStorageSOPClassUID"},
	{0x0002, 0x0003}: {VRUniqueIdentifier, "MediaStorageSOPInstanceUID"},
	{0x0002, 0x0010}: {VRUniqueIdentifier, "TransferSyntaxUID"},
	{0x0002, 0x0012}: {VRUniqueIdentifier, "ImplementationClassUID"},
	{0x0002, 0x0013}: {VRShortString, "ImplementationVersionName"},
	{0x0002, 0x0016}: {VRApplicationEntity, "SourceApplicationEntityTitle"},

	{0x0008, 0x0005}: {VRCodeString, "SpecificCharacterSet"},
	{0x0008, 0x0008}: {VRCodeString, "ImageType"},
	{0x0008, 0x0016}: {VRUniqueIdentifier, "SOPClassUID"},
	{0x0008, 0x0018}: {VRUniqueIdentifier, "SOPInstanceUID"},
	{0x0008, 0x0020}: {VRDate, "StudyDate"},
	{0x0008, 0x0021}: {VRDate, "SeriesDate"},
	{0x0008, 0x0022}: {VRDate, "AcquisitionDate"},
	{0x0008, 0x0023}: {VRDate, "ContentDate"},
	{0x0008, 0x002a}: {VRDateTime, "AcquisitionDateTime"},
	{0x0008, 0x0030}: {VRTime, "StudyTime"},
	{0x0008, 0x0031}: {VRTime, "SeriesTime"},
	{0x0008, 0x0032}: {VRTime, "AcquisitionTime"},
	{0x0008, 0x0033}: {VRTime, "ContentTime"},
	{0x0008, 0x0050}: {VRShortString, "AccessionNumber"},
	{0x0008, 0x0060}: {VRCodeString, "Modality"},
	{0x0008, 0x0070}: {VRLongString, "Manufacturer"},
	{0x0008, 0x0080}: {VRLongString, "InstitutionName"},
	{0x0008, 0x0081}: {VRShortText, "InstitutionAddress"},
	{0x0008, 0x0090}: {VRPersonName, "ReferringPhysicianName"},
	{0x0008, 0x1010}: {VRShortString, "StationName"},
	{0x0008, 0x1030}: {VRLongString, "StudyDescription"},
	{0x0008, 0x103e}: {VRLongString, "SeriesDescription"},
	{0x0008, 0x1040}: {VRLongString, "InstitutionalDepartmentName"},
	{0x0008, 0x1048}: {VRPersonName, "PhysiciansOfRecord"},
	{0x0008, 0x1050}: {VRPersonName, "PerformingPhysicianName"},
	{0x0008, 0x1070}: {VRPersonName, "OperatorsName"},
	{0x0008, 0x1090}: {VRLongString, "ManufacturerModelName"},
	{0x0008, 0x1110}: {VRSequence, "ReferencedStudySequence"},
	{0x0008, 0x1115}: {VRSequence, "ReferencedSeriesSequence"},
	{0x0008, 0x1140}: {VRSequence, "ReferencedImageSequence"},
	{0x0008, 0x1150}: {VRUniqueIdentifier, "ReferencedSOPClassUID"},
	{0x0008, 0x1155}: {VRUniqueIdentifier, "ReferencedSOPInstanceUID"},
	{0x0008, 0x2111}: {VRShortText, "DerivationDescription"},

	{0x0010, 0x0010}: {VRPersonName, "PatientName"},
	{0x0010, 0x0020}: {VRLongString, "PatientID"},
	{0x0010, 0x0021}: {VRLongString, "IssuerOfPatientID"},
	{0x0010, 0x0030}: {VRDate, "PatientBirthDate"},
	{0x0010, 0x0032}: {VRTime, "PatientBirthTime"},
	{0x0010, 0x0040}: {VRCodeString, "PatientSex"},
	{0x0010, 0x1000}: {VRLongString, "OtherPatientIDs"},
	{0x0010, 0x1001}: {VRPersonName, "OtherPatientNames"},
	{0x0010, 0x1010}: {VRAgeString, "PatientAge"},
	{0x0010, 0x1020}: {VRDecimalString, "PatientSize"},
	{0x0010, 0x1030}: {VRDecimalString, "PatientWeight"},
	{0x0010, 0x1040}: {VRLongString, "PatientAddress"},
	{0x0010, 0x2154}: {VRShortString, "PatientTelephoneNumbers"},
	{0x0010, 0x21b0}: {VRLongText, "AdditionalPatientHistory"},
	{0x0010, 0x4000}: {VRLongText, "PatientComments"},

	{0x0012, 0x0062}: {VRCodeString, "PatientIdentityRemoved"},
	{0x0012, 0x0063}: {VRLongString, "DeidentificationMethod"},

	{0x0018, 0x0015}: {VRCodeString, "BodyPartExamined"},
	{0x0018, 0x0050}: {VRDecimalString, "SliceThickness"},
	{0x0018, 0x0060}: {VRDecimalString, "KVP"},
	{0x0018, 0x1000}: {VRLongString, "DeviceSerialNumber"},
	{0x0018, 0x1020}: {VRLongString, "SoftwareVersions"},
	{0x0018, 0x1030}: {VRLongString, "ProtocolName"},
	{0x0018, 0x1151}: {VRIntegerString, "XRayTubeCurrent"},
	{0x0018, 0x5100}: {VRCodeString, "PatientPosition"},

	{0x0020, 0x000d}: {VRUniqueIdentifier, "StudyInstanceUID"},
	{0x0020, 0x000e}: {VRUniqueIdentifier, "SeriesInstanceUID"},
	{0x0020, 0x0010}: {VRShortString, "StudyID"},
	{0x0020, 0x0011}: {VRIntegerString, "SeriesNumber"},
	{0x0020, 0x0012}: {VRIntegerString, "AcquisitionNumber"},
	{0x0020, 0x0013}: {VRIntegerString, "InstanceNumber"},
	{0x0020, 0x0032}: {VRDecimalString, "ImagePositionPatient"},
	{0x0020, 0x0037}: {VRDecimalString, "ImageOrientationPatient"},
	{0x0020, 0x0052}: {VRUniqueIdentifier, "FrameOfReferenceUID"},
	{0x0020, 0x1040}: {VRLongString, "PositionReferenceIndicator"},
	{0x0020, 0x4000}: {VRLongText, "ImageComments"},

	{0x0028, 0x0002}: {VRUnsignedShort, "SamplesPerPixel"},
	{0x0028, 0x0004}: {VRCodeString, "PhotometricInterpretation"},
	{0x0028, 0x0010}: {VRUnsignedShort, "Rows"},
	{0x0028, 0x0011}: {VRUnsignedShort, "Columns"},
	{0x0028, 0x0030}: {VRDecimalString, "PixelSpacing"},
	{0x0028, 0x0100}: {VRUnsignedShort, "BitsAllocated"},
	{0x0028, 0x0101}: {VRUnsignedShort, "BitsStored"},
	{0x0028, 0x0102}: {VRUnsignedShort, "HighBit"},
	{0x0028, 0x0103}: {VRUnsignedShort, "PixelRepresentation"},
	{0x0028, 0x1050}: {VRDecimalString, "WindowCenter"},
	{0x0028, 0x1051}: {VRDecimalString, "WindowWidth"},

	{0x0032, 0x1060}: {VRLongString, "RequestedProcedureDescription"},
	{0x0040, 0x0244}: {VRDate, "PerformedProcedureStepStartDate"},
	{0x0040, 0x0245}: {VRTime, "PerformedProcedureStepStartTime"},
	{0x0040, 0x0254}: {VRLongString, "PerformedProcedureStepDescription"},
	{0x0040, 0x0275}: {VRSequence, "RequestAttributesSequence"},
	{0x0040, 0x1001}: {VRShortString, "RequestedProcedureID"},
	{0x0040, 0xa124}: {VRUniqueIdentifier, "UID"},

	{0x7fe0, 0x0010}: {VROtherWord, "PixelData"},
}
