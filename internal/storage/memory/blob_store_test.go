package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":1}`)
	uri, err := store.PutObject(context.Background(), "run/missing/1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/missing/1.json", uri)

	payload[0] = 'X'
	stored, ok := store.Get("run/missing/1.json")
	require.True(t, ok)
	require.Equal(t, `{"id":1}`, string(stored))

	stored[0] = 'Y'
	again, _ := store.Get("run/missing/1.json")
	require.Equal(t, `{"id":1}`, string(again))
}

func TestBlobStoreKeysAndMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, k := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), k, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Keys())

	_, ok := store.Get("zzz")
	require.False(t, ok)
}
