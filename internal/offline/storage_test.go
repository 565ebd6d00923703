package offline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	assert.NoError(t, err)

	_, ok, err := store.Get("missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.Put("queue", []byte(`[{"a":1}]`)))

	data, ok, err := store.Get("queue")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"a":1}]`, string(data))

	// Overwrite
	assert.NoError(t, store.Put("queue", []byte(`[]`)))
	data, _, _ = store.Get("queue")
	assert.Equal(t, `[]`, string(data))

	assert.NoError(t, store.Delete("queue"))
	_, ok, _ = store.Get("queue")
	assert.False(t, ok)

	// Deleting a missing key is not an error
	assert.NoError(t, store.Delete("queue"))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	assert.NoError(t, err)
	assert.NoError(t, store.Put("queue", []byte(`[1,2,3]`)))

	reopened, err := NewFileStore(dir)
	assert.NoError(t, err)
	data, ok, err := reopened.Get("queue")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2,3]`, string(data))
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()

	in := []byte("hello")
	assert.NoError(t, store.Put("k", in))
	in[0] = 'X'

	out, ok, err := store.Get("k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", string(out))

	out[0] = 'Y'
	again, _, _ := store.Get("k")
	assert.Equal(t, "hello", string(again))
}
