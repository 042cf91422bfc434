package etagstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "etags.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, ok, err := s.Get(ctx, "https://example.com/list.txt")
	require.NoError(t, err)
	require.False(t, ok)

	want := Validator{ETag: `"abc"`, LastModified: "Mon", BodyDigest: "d1", LastFetchAt: 100}
	require.NoError(t, s.Put(ctx, "https://example.com/list.txt", want))

	got, ok, err := s.Get(ctx, "https://example.com/list.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	want.ETag = `"def"`
	require.NoError(t, s.Put(ctx, "https://example.com/list.txt", want))
	got, _, err = s.Get(ctx, "https://example.com/list.txt")
	require.NoError(t, err)
	require.Equal(t, `"def"`, got.ETag)
}
