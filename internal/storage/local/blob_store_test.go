package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "bodies", "nested")
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	require.DirExists(t, base)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Empty(t, entries, "probe file must be removed")
	require.True(t, filepath.IsAbs(store.baseDir))
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	cases := map[string]string{
		"empty":         "  ",
		"not directory": file,
	}
	for name, dir := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Config{BaseDir: dir})
			require.Error(t, err)
		})
	}
}

func TestPutObjectWritesAtomically(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "bodies/job-1/abc.html", "text/html", []byte("<html>v1</html>"))
	require.NoError(t, err)
	want := filepath.Join(base, "bodies", "job-1", "abc.html")
	require.Equal(t, "file://"+want, uri)

	_, err = store.PutObject(context.Background(), "bodies/job-1/abc.html", "text/html", []byte("<html>v2</html>"))
	require.NoError(t, err)

	// #nosec G304 -- reads from the test's temp directory.
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<html>v2</html>", string(data))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestPutObjectRejectsInvalidPaths(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "../escape.html", "a/../../escape.html", "."} {
		_, err := store.PutObject(context.Background(), path, "text/html", []byte("x"))
		require.Error(t, err, path)
	}
	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.ErrorIs(t, err, ErrOutsideBaseDir)
}

func TestPutObjectCanceled(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "a.html", "text/html", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
