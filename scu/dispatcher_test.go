package scu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

func TestCollectDICOMFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "series1"), 0o755))

	for _, name := range []string{
		"series1/000001.dcm",
		"series1/000002.DCM",
		"series1/index.xml",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}

	files, err := CollectDICOMFiles(root)
	require.NoError(t, err)
	require.Len(t, files, 2, "only .dcm files are collected, case-insensitively")
	assert.Contains(t, files, filepath.Join(root, "series1", "000001.dcm"))
	assert.Contains(t, files, filepath.Join(root, "series1", "000002.DCM"))
}

func TestCollectDICOMFiles_EmptyTree(t *testing.T) {
	files, err := CollectDICOMFiles(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCollectDICOMFiles_MissingDir(t *testing.T) {
	_, err := CollectDICOMFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIsTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "Network failure",
			err:  proxyerrors.NewNetworkError("write P-DATA-TF", errors.New("broken pipe")),
			want: true,
		},
		{
			name: "Wrapped network failure",
			err: fmt.Errorf("failed to receive C-STORE-RSP: %w",
				proxyerrors.NewNetworkError("read PDU header", errors.New("EOF"))),
			want: true,
		},
		{
			name: "Timeout",
			err:  proxyerrors.NewTimeoutError("C-STORE", "30s"),
			want: true,
		},
		{
			name: "Abort",
			err:  fmt.Errorf("failed to receive C-STORE-RSP: %w", proxyerrors.NewAbortError(0x02, 0x00)),
			want: true,
		},
		{
			name: "DIMSE refusal",
			err:  errors.New("C-STORE of 1.2.3 answered 0xc000"),
			want: false,
		},
		{
			name: "Missing SOP identity",
			err:  errors.New("file.dcm: missing SOP identity"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransportError(tt.err))
		})
	}
}
