package persister

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersister(t *testing.T) {
	p := &FilePersister{}
	path := filepath.Join(t.TempDir(), "meta.info")

	require.NoError(t, p.Append(path, []byte("abc")))
	require.NoError(t, p.Append(path, []byte("def")))

	b, err := p.ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), b)

	require.NoError(t, p.Overwrite(path, []byte("xyz")))
	b, err = p.ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), b)

	require.NoError(t, p.Delete(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriterPersistAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000000000000000000.log")
	w, err := NewWriter(path, WriterConfig{Retries: 3}, kitlog.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Persist(ctx, []byte("header"), []byte("payload")))
	assert.Equal(t, uint64(len("headerpayload")), w.Size())

	require.NoError(t, w.Persist(ctx, []byte("!")))
	assert.Equal(t, uint64(len("headerpayload")+1), w.Size())

	w.Shutdown(ctx)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("headerpayload!"), b)
}

func TestWriterSeedsSizeFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	w, err := NewWriter(path, WriterConfig{}, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer w.Shutdown(context.Background())

	assert.Equal(t, uint64(10), w.Size())
}
