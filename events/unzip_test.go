package events

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, body := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExtractZip(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"series1/000001.dcm": "instance-1",
		"series1/000002.dcm": "instance-2",
		"index.xml":          "<index/>",
	})

	dest := t.TempDir()
	require.NoError(t, extractZip(archive, dest))

	body, err := os.ReadFile(filepath.Join(dest, "series1", "000001.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "instance-1", string(body))

	body, err = os.ReadFile(filepath.Join(dest, "index.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<index/>", string(body))
}

func TestExtractZip_RejectsEscapingEntry(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"../escape.txt": "outside",
	})

	dest := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	err := extractZip(archive, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction dir")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written outside the extraction dir")
}

func TestExtractZip_MissingArchive(t *testing.T) {
	err := extractZip(filepath.Join(t.TempDir(), "missing.zip"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open archive")
}
