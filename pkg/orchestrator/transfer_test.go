package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSingleEntryTar builds a gzip-compressed tar stream containing one
// regular file entry, used to exercise Import's rejection of unsafe paths
// without going through Export.
func writeSingleEntryTar(w io.Writer, name string, content []byte) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Size:     int64(len(content)),
		Mode:     0o644,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

func writeVMTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk.qcow2"), []byte("fake-disk-bytes"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "base.json"), []byte(`{"name":"base"}`), 0o644))
}

func TestExportImportRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeVMTree(t, srcDir)

	var buf bytes.Buffer
	require.NoError(t, Export(context.Background(), srcDir, &buf))

	destDir := t.TempDir()
	n, err := Import(context.Background(), &buf, destDir)
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	diskBytes, err := os.ReadFile(filepath.Join(destDir, "disk.qcow2"))
	require.NoError(t, err)
	assert.Equal(t, "fake-disk-bytes", string(diskBytes))

	snapBytes, err := os.ReadFile(filepath.Join(destDir, "snapshots", "base.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"base"}`, string(snapBytes))
}

func TestImportRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSingleEntryTar(&buf, "../escape.txt", []byte("nope")))

	destDir := t.TempDir()
	_, err := Import(context.Background(), &buf, destDir)
	assert.Error(t, err)
}

func TestImportRejectsAbsolutePath(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSingleEntryTar(&buf, "/etc/passwd", []byte("nope")))

	destDir := t.TempDir()
	_, err := Import(context.Background(), &buf, destDir)
	assert.Error(t, err)
}
