package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/storage"
	"github.com/caio-sobreiro/pacsproxy/types"
)

type fakeUploader struct {
	calls    int
	failures int
	err      error
}

func (f *fakeUploader) UploadArchive(ctx context.Context, req *backend.UploadRequest) (*backend.UploadResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &backend.UploadResponse{ID: "upload-1", Status: "ok"}, nil
}

func newPipelineFixture(t *testing.T, uploader Uploader, mutate func(*config.Proxy)) (*Pipeline, *storage.StagingStore, *storage.Session) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mappings := phi.NewMappingRepository(db)
	store, err := storage.NewStagingStore(db, mappings, t.TempDir(), nil)
	require.NoError(t, err)

	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, "1.2.3.1.1")
	ds.SetString(dicom.TagStudyInstanceUID, "1.2.3")
	ds.SetString(dicom.TagSeriesInstanceUID, "1.2.3.1")
	ds.SetString(dicom.TagPatientName, "ANON-P42")
	ds.SetString(dicom.TagPatientID, "ANON-P42")
	ds.SetString(dicom.TagModality, "CT")
	ds.SetString(dicom.TagSeriesNumber, "1")
	result, err := store.StoreDICOMFile(context.Background(), ds, types.ExplicitVRLittleEndian, nil, nil)
	require.NoError(t, err)

	cfg := &config.Proxy{
		Port:               11112,
		AETitle:            "PACSPROXY",
		Mode:               config.ModePublic,
		AutoDispatch:       true,
		CleanupAfterUpload: true,
		ArchiveRoot:        t.TempDir(),
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	return New(store, uploader, config.NewStore(cfg), nil), store, result.Session
}

func archiveEntries(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestOnStudyComplete_UploadsAndCleansUp(t *testing.T) {
	uploader := &fakeUploader{}
	p, store, session := newPipelineFixture(t, uploader, nil)
	ctx := context.Background()

	p.OnStudyComplete("1.2.3")

	assert.Equal(t, 1, uploader.calls)

	updated, err := store.FindSessionByStudyUID(ctx, "1.2.3")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, storage.SessionUploaded, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	logs, err := store.ListUploadLogs(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, storage.UploadInProgress, logs[0].Status, "the upload is logged before the first attempt")
	assert.Equal(t, 0, logs[0].AttemptNumber)
	require.NotNil(t, logs[0].StartedAt)
	assert.Nil(t, logs[0].CompletedAt)
	assert.Equal(t, storage.UploadSuccess, logs[1].Status)
	assert.Equal(t, "upload-1", logs[1].APIResponseID)
	assert.Greater(t, logs[1].UploadFileSize, int64(0))

	assert.Empty(t, archiveEntries(t, p.cfg.Current().ArchiveRoot), "archive is removed after upload")
	_, err = os.Stat(session.StoragePath)
	assert.True(t, os.IsNotExist(err), "staged study is removed after upload")
}

func TestOnStudyComplete_RetriesThenKeepsArchive(t *testing.T) {
	uploader := &fakeUploader{
		failures: 3,
		err:      proxyerrors.NewBackendError("upload", 500, "internal error"),
	}
	p, store, session := newPipelineFixture(t, uploader, nil)
	ctx := context.Background()

	p.OnStudyComplete("1.2.3")

	assert.Equal(t, 3, uploader.calls, "three attempts for max_retries=3")

	logs, err := store.ListUploadLogs(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.Equal(t, storage.UploadInProgress, logs[0].Status)
	assert.Equal(t, storage.UploadRetrying, logs[1].Status)
	assert.Equal(t, storage.UploadRetrying, logs[2].Status)
	assert.Equal(t, storage.UploadFailed, logs[3].Status)
	assert.Equal(t, "500", logs[3].ErrorCode)
	assert.NotEmpty(t, logs[3].ErrorMessage)

	// The ZIP survives for manual retry; the session stays complete.
	assert.Len(t, archiveEntries(t, p.cfg.Current().ArchiveRoot), 1)
	updated, err := store.FindSessionByStudyUID(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionComplete, updated.Status)
	_, err = os.Stat(session.StoragePath)
	assert.NoError(t, err, "staged study is kept when the upload fails")
}

func TestOnStudyComplete_NonRetryableFailsImmediately(t *testing.T) {
	uploader := &fakeUploader{
		failures: 10,
		err:      proxyerrors.NewBackendError("upload", 401, "bad proxy key"),
	}
	p, store, session := newPipelineFixture(t, uploader, nil)

	p.OnStudyComplete("1.2.3")

	assert.Equal(t, 1, uploader.calls, "authentication failures are not retried")

	logs, err := store.ListUploadLogs(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, storage.UploadInProgress, logs[0].Status)
	assert.Equal(t, storage.UploadFailed, logs[1].Status)
	assert.Equal(t, "401", logs[1].ErrorCode)
}

func TestOnStudyComplete_AutoDispatchDisabled(t *testing.T) {
	uploader := &fakeUploader{}
	p, store, _ := newPipelineFixture(t, uploader, func(cfg *config.Proxy) {
		cfg.AutoDispatch = false
	})

	p.OnStudyComplete("1.2.3")

	assert.Equal(t, 0, uploader.calls)

	updated, err := store.FindSessionByStudyUID(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionComplete, updated.Status,
		"the session is finalized even when uploads are disabled")
}

func TestOnStudyComplete_UnknownStudyDoesNotPanic(t *testing.T) {
	uploader := &fakeUploader{}
	p, _, _ := newPipelineFixture(t, uploader, nil)

	p.OnStudyComplete("9.9.9")
	assert.Equal(t, 0, uploader.calls)
}
