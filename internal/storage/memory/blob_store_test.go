package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsPrivateCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>v1</html>")
	uri, err := store.PutObject(context.Background(), "bodies/job/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://bodies/job/abc.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("bodies/job/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>v1</html>", string(stored))

	stored[0] = 'Y'
	again, _ := store.Object("bodies/job/abc.html")
	require.Equal(t, "<html>v1</html>", string(again))

	_, err = store.PutObject(context.Background(), "bodies/job/abc.html", "text/html", []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	_, ok = store.Object("missing")
	require.False(t, ok)
}

func TestBlobStoreRejects(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "text/html", []byte("x"))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "a", "text/html", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, store.Len())
}
