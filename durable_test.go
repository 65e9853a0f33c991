package distributor_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/distributor"
)

var errInjected = errors.New("injected failure")

// faultyFile fails the selected operation of the wrapped file.
type faultyFile struct {
	*os.File
	failWrite    bool
	failSync     bool
	failTruncate bool
	writes       int
}

var _ distributor.ValueFile = &faultyFile{}

func (f *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.failWrite {
		return 0, errInjected
	}
	f.writes++
	return f.File.WriteAt(p, off)
}

func (f *faultyFile) Sync() error {
	if f.failSync {
		return errInjected
	}
	return f.File.Sync()
}

func (f *faultyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errInjected
	}
	return f.File.Truncate(size)
}

func openFaulty[T any](t *testing.T, path string, codec distributor.ValueCodec[T], def T) (*distributor.DurableValue[T], *faultyFile) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	ff := &faultyFile{File: f}
	d, err := distributor.OpenDurableValueOn(path, ff, codec, def)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, ff
}

func reopenCounts(t *testing.T, path string) distributor.WorkerCounts {
	t.Helper()
	d, err := distributor.OpenDurableValue(path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{"default": 1})
	require.NoError(t, err)
	defer d.Close()
	return d.Get()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func TestOpenDurableValue(t *testing.T) {
	t.Run("should persist the default for a missing file", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")

		// when
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))

		// then
		require.NoError(t, err)
		defer d.Close()
		assert.Equal(t, int64(0), d.Get())
		assert.Equal(t, path, d.Path())
		assert.Equal(t, "0", readFile(t, path))
	})

	t.Run("should persist the default for an empty file", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		// when
		d, err := distributor.OpenDurableValue(path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})

		// then
		require.NoError(t, err)
		defer d.Close()
		assert.Empty(t, d.Get())
		assert.Equal(t, "{}", readFile(t, path))
	})

	t.Run("should load the stored value", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")
		require.NoError(t, os.WriteFile(path, []byte("42"), 0o644))

		// when
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))

		// then
		require.NoError(t, err)
		defer d.Close()
		assert.Equal(t, int64(42), d.Get())
		assert.Equal(t, "42", readFile(t, path))
	})

	t.Run("should strip trailing NUL padding", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		require.NoError(t, os.WriteFile(path, []byte("{\"w1\":4}\x00\x00\x00\x00"), 0o644))

		// when
		d, err := distributor.OpenDurableValue(path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})

		// then
		require.NoError(t, err)
		defer d.Close()
		assert.Equal(t, distributor.WorkerCounts{"w1": 4}, d.Get())
	})

	t.Run("should replace undecodable content with the default", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"garbage", "not json"},
			{"only padding", "\x00\x00\x00"},
			{"wrong type", `"seven"`},
			{"negative offset", "-3"},
			{"null", "null"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				// given
				path := filepath.Join(t.TempDir(), "byte-pos")
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

				// when
				d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))

				// then
				require.NoError(t, err)
				defer d.Close()
				assert.Equal(t, int64(0), d.Get())
				assert.Equal(t, "0", readFile(t, path))
			})
		}
	})

	t.Run("should fail with storage error for a missing directory", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "missing", "byte-pos")

		// when
		_, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))

		// then
		assert.ErrorIs(t, err, distributor.ErrStorage)
	})

	t.Run("should reject an invalid max size", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")

		// when
		_, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0), distributor.WithMaxSize(0))

		// then
		assert.ErrorIs(t, err, distributor.ErrInvalidConfig)
	})
}

func TestDurableValueSet(t *testing.T) {
	t.Run("should persist the value and keep it across reopen", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))
		require.NoError(t, err)

		// when
		require.NoError(t, d.Set(17))
		require.NoError(t, d.Close())

		// then
		reopened, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(0))
		require.NoError(t, err)
		defer reopened.Close()
		assert.Equal(t, int64(17), reopened.Get())
	})

	t.Run("should not write an unchanged value", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})
		require.NoError(t, d.Set(distributor.WorkerCounts{"w1": 1}))
		writes := ff.writes

		// when
		err := d.Set(distributor.WorkerCounts{"w1": 1})

		// then
		require.NoError(t, err)
		assert.Equal(t, writes, ff.writes)
	})

	t.Run("should truncate the padding of a shrinking value", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, err := distributor.OpenDurableValue(path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})
		require.NoError(t, err)
		defer d.Close()
		require.NoError(t, d.Set(distributor.WorkerCounts{"alpha": 10, "beta": 20}))

		// when
		err = d.Set(distributor.WorkerCounts{"w1": 1})

		// then
		require.NoError(t, err)
		assert.JSONEq(t, `{"w1":1}`, readFile(t, path))
		assert.Equal(t, len(`{"w1":1}`), distributor.FileLen(d))
	})

	t.Run("should grow the file for a longer value", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(9))
		require.NoError(t, err)
		defer d.Close()

		// when
		err = d.Set(123456)

		// then
		require.NoError(t, err)
		assert.Equal(t, "123456", readFile(t, path))
	})

	t.Run("should reject a value larger than the max size", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, err := distributor.OpenDurableValue(path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{}, distributor.WithMaxSize(16))
		require.NoError(t, err)
		defer d.Close()

		// when
		err = d.Set(distributor.WorkerCounts{strings.Repeat("w", 32): 1})

		// then
		assert.ErrorIs(t, err, distributor.ErrValueTooLarge)
		assert.Empty(t, d.Get())
		assert.Equal(t, "{}", readFile(t, path))
	})

	t.Run("should reject a value that cannot be encoded", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(5))
		require.NoError(t, err)
		defer d.Close()

		// when
		err = d.Set(-1)

		// then
		assert.ErrorIs(t, err, distributor.ErrEncode)
		assert.Equal(t, int64(5), d.Get())
	})
}

func TestDurableValueFits(t *testing.T) {
	t.Run("should accept a value within the max size without writing it", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})
		writes := ff.writes

		// when
		err := d.Fits(distributor.WorkerCounts{"w1": 1})

		// then
		assert.NoError(t, err)
		assert.Equal(t, writes, ff.writes)
		assert.Empty(t, d.Get())
		assert.Equal(t, "{}", readFile(t, path))
	})

	t.Run("should reject a value larger than the max size", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, distributor.WorkerCounts{})
		writes := ff.writes

		// when
		err := d.Fits(distributor.WorkerCounts{strings.Repeat("w", distributor.DefaultMaxValueSize): 1})

		// then
		assert.ErrorIs(t, err, distributor.ErrValueTooLarge)
		assert.Equal(t, writes, ff.writes)
		assert.Equal(t, "{}", readFile(t, path))
	})

	t.Run("should reject a value that cannot be encoded", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "byte-pos")
		d, err := distributor.OpenDurableValue(path, distributor.OffsetCodec{}, int64(5))
		require.NoError(t, err)
		defer d.Close()

		// when
		err = d.Fits(-1)

		// then
		assert.ErrorIs(t, err, distributor.ErrEncode)
		assert.Equal(t, "5", readFile(t, path))
	})
}

func TestDurableValueCrash(t *testing.T) {
	oldCounts := distributor.WorkerCounts{"w1": 10, "w2": 1}
	newCounts := distributor.WorkerCounts{"w1": 11}

	t.Run("should keep the old value when the write fails", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, oldCounts)
		ff.failWrite = true

		// when
		err := d.Set(newCounts)

		// then
		assert.ErrorIs(t, err, distributor.ErrStorage)
		assert.Equal(t, oldCounts, d.Get())
		assert.Equal(t, oldCounts, reopenCounts(t, path))
	})

	t.Run("should keep the in-memory value when the sync fails", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, oldCounts)
		ff.failSync = true

		// when
		err := d.Set(newCounts)

		// then
		assert.ErrorIs(t, err, distributor.ErrStorage)
		assert.ErrorIs(t, err, errInjected)
		assert.Equal(t, oldCounts, d.Get())
		stored := reopenCounts(t, path)
		assert.Contains(t, []distributor.WorkerCounts{oldCounts, newCounts}, stored)
	})

	t.Run("should succeed and leave a decodable file when the truncate fails", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, oldCounts)
		ff.failTruncate = true

		// when
		err := d.Set(newCounts)

		// then
		require.NoError(t, err)
		assert.Equal(t, newCounts, d.Get())
		raw := readFile(t, path)
		assert.True(t, strings.HasPrefix(raw, `{"w1":11}`))
		assert.True(t, strings.HasSuffix(raw, "\x00"))
		assert.Equal(t, newCounts, reopenCounts(t, path))
	})

	t.Run("should pad the next update to the untruncated length", func(t *testing.T) {
		// given
		path := filepath.Join(t.TempDir(), "worker-stats")
		d, ff := openFaulty(t, path, distributor.WorkerCountsCodec{}, oldCounts)
		ff.failTruncate = true
		require.NoError(t, d.Set(newCounts))
		padded := distributor.FileLen(d)
		ff.failSync = true

		// when
		err := d.Set(distributor.WorkerCounts{})

		// then
		assert.ErrorIs(t, err, distributor.ErrStorage)
		assert.Len(t, readFile(t, path), padded)
		assert.Contains(t, []distributor.WorkerCounts{newCounts, {}}, reopenCounts(t, path))
	})

	t.Run("should decode the new value at every truncation point of the padding", func(t *testing.T) {
		// given
		dir := t.TempDir()
		encoded, err := distributor.WorkerCountsCodec{}.Encode(newCounts)
		require.NoError(t, err)
		oldEncoded, err := distributor.WorkerCountsCodec{}.Encode(oldCounts)
		require.NoError(t, err)
		require.Greater(t, len(oldEncoded), len(encoded))
		padded := append(bytes.Clone(encoded), make([]byte, len(oldEncoded)-len(encoded))...)

		for size := len(encoded); size <= len(padded); size++ {
			path := filepath.Join(dir, "worker-stats")
			require.NoError(t, os.WriteFile(path, padded[:size], 0o644))

			// when
			stored := reopenCounts(t, path)

			// then
			assert.Equal(t, newCounts, stored, "file length %d", size)
		}
	})
}
