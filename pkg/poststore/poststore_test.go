package poststore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestCompressAndRemove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "log.txt")
	require.NoError(t, os.WriteFile(src, []byte("line one\nline two\n"), 0644))

	require.NoError(t, CompressAndRemove(src))

	_, err := os.Stat(src)
	require.True(t, os.IsNotExist(err))

	compressed, err := os.ReadFile(src + ".zst")
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	out, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", string(out))
}

func TestCompressAndRemoveMissingSourceIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CompressAndRemove(filepath.Join(dir, "missing.txt")))
}
