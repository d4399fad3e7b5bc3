package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "epi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", []byte(`["a"]`)))
	require.NoError(t, s.Put(ctx, "k", []byte(`["b"]`)))

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `["b"]`, string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "epi.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, SaveJSON(ctx, s, "requiredEPIs", []string{"capacete"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got := LoadOrDefault(ctx, s, "requiredEPIs", []string{"default"}, nil)
	assert.Equal(t, []string{"capacete"}, got)
}

func TestMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(got))
}

func TestLoadOrDefault(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	def := []string{"default"}

	t.Run("missing", func(t *testing.T) {
		got, used := Load(ctx, s, "nothing", def, nil)
		assert.Equal(t, def, got)
		assert.False(t, used)
	})

	t.Run("corrupt", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "corrupt", []byte("{not json")))
		got, used := Load(ctx, s, "corrupt", def, nil)
		assert.Equal(t, def, got)
		assert.False(t, used)
	})

	t.Run("wrong shape", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "shape", []byte(`{"a":1}`)))
		assert.Equal(t, def, LoadOrDefault(ctx, s, "shape", def, nil))
	})

	t.Run("rejected by validate", func(t *testing.T) {
		require.NoError(t, SaveJSON(ctx, s, "empty", []string{}))
		nonEmpty := func(v []string) error {
			if len(v) == 0 {
				return errors.New("empty")
			}
			return nil
		}
		assert.Equal(t, def, LoadOrDefault(ctx, s, "empty", def, nonEmpty))
	})

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, SaveJSON(ctx, s, "ok", []string{"luvas"}))
		got, used := Load(ctx, s, "ok", def, nil)
		assert.Equal(t, []string{"luvas"}, got)
		assert.True(t, used)
	})
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}
func (failingKV) Put(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (failingKV) Delete(context.Context, string) error      { return errors.New("disk on fire") }

func TestLoadOrDefaultStorageError(t *testing.T) {
	got := LoadOrDefault(context.Background(), failingKV{}, "k", 7, nil)
	assert.Equal(t, 7, got)
}
