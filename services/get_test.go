package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// mockGetResponder implements interfaces.CGetResponder.
type mockGetResponder struct {
	mockResponder
	stored [][]byte
}

func (m *mockGetResponder) SendCStore(sopClassUID, sopInstanceUID string, data []byte) error {
	m.stored = append(m.stored, data)
	return nil
}

func encodedIdentifier(t *testing.T, pairs map[dicom.Tag]string) []byte {
	t.Helper()

	ds := dicom.NewDataset()
	for tag, value := range pairs {
		ds.SetString(tag, value)
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	return data
}

func cgetRequest() *types.Message {
	return &types.Message{
		CommandField:        types.CGetRQ,
		MessageID:           5,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelGet,
	}
}

func TestGetService_ServesDeanonymizedInstances(t *testing.T) {
	f := newStoreFixture(t, true)
	ctx := context.Background()

	// Stage one instance through the C-STORE path so it lands anonymized.
	resp, _, err := f.service.HandleDIMSE(ctx, testContext(), cstoreRequest(), encodedInstance(t, nil))
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, resp.Status)

	get := NewGetService(f.staging, phi.NewResolver(f.mappings, nil), nil)
	responder := &mockGetResponder{}

	identifier := encodedIdentifier(t, map[dicom.Tag]string{
		dicom.TagQueryRetrieveLevel: "STUDY",
		dicom.TagStudyInstanceUID:   "1.2.3",
	})
	require.NoError(t, get.HandleDIMSEStreaming(ctx, testContext(), cgetRequest(), identifier, responder))

	require.Len(t, responder.stored, 1, "one C-STORE sub-operation per staged instance")

	ds, err := dicom.ParseDatasetWithTransferSyntax(responder.stored[0], types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "Doe^John", ds.GetString(dicom.TagPatientName), "identity is restored on the way out")
	assert.Equal(t, "P42", ds.GetString(dicom.TagPatientID))

	// One pending response per sub-op, then the final success.
	require.Len(t, responder.responses, 2)
	assert.Equal(t, types.StatusPending, responder.responses[0].Status)
	require.NotNil(t, responder.responses[0].NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), *responder.responses[0].NumberOfCompletedSuboperations)

	final := responder.responses[1]
	assert.Equal(t, types.StatusSuccess, final.Status)
	require.NotNil(t, final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfCompletedSuboperations)
	require.NotNil(t, final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfFailedSuboperations)
}

func TestGetService_UnknownStudyAnswersEmptySuccess(t *testing.T) {
	f := newStoreFixture(t, true)

	get := NewGetService(f.staging, phi.NewResolver(f.mappings, nil), nil)
	responder := &mockGetResponder{}

	identifier := encodedIdentifier(t, map[dicom.Tag]string{
		dicom.TagQueryRetrieveLevel: "STUDY",
		dicom.TagStudyInstanceUID:   "9.9.9",
	})
	require.NoError(t, get.HandleDIMSEStreaming(context.Background(), testContext(), cgetRequest(), identifier, responder))

	assert.Empty(t, responder.stored)
	require.Len(t, responder.responses, 1)
	assert.Equal(t, types.StatusSuccess, responder.responses[0].Status)
	require.NotNil(t, responder.responses[0].NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(0), *responder.responses[0].NumberOfCompletedSuboperations)
}

func TestGetService_MissingStudyUIDIsRejected(t *testing.T) {
	f := newStoreFixture(t, true)

	get := NewGetService(f.staging, phi.NewResolver(f.mappings, nil), nil)
	responder := &mockGetResponder{}

	identifier := encodedIdentifier(t, map[dicom.Tag]string{
		dicom.TagQueryRetrieveLevel: "STUDY",
	})
	require.NoError(t, get.HandleDIMSEStreaming(context.Background(), testContext(), cgetRequest(), identifier, responder))

	require.Len(t, responder.responses, 1)
	assert.Equal(t, types.StatusIdentifierMismatch, responder.responses[0].Status)
}

func TestGetService_RequiresSubOperationSupport(t *testing.T) {
	f := newStoreFixture(t, true)

	get := NewGetService(f.staging, phi.NewResolver(f.mappings, nil), nil)

	err := get.HandleDIMSEStreaming(context.Background(), testContext(), cgetRequest(), nil, &mockResponder{})
	assert.Error(t, err)
}
