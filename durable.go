package distributor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	slogctx "github.com/veqryn/slog-context"
)

// DefaultMaxValueSize bounds the encoded size of a durable value.
// The NUL padding update relies on the medium writing the whole value in one
// piece, which only holds for small writes.
const DefaultMaxValueSize = 4 << 10

const valueFilePerm = 0o644

var (
	// ErrStorage is returned when a durable file cannot be read, written or synced.
	ErrStorage = errors.New("storage failure")
	// ErrValueTooLarge is returned when an encoded value exceeds the configured maximum size.
	ErrValueTooLarge = errors.New("encoded value exceeds maximum size")
	// ErrEncode is returned when a value cannot be encoded by its codec.
	ErrEncode = errors.New("value cannot be encoded")
)

type (
	// DurableValue stores a single value in a dedicated file so that a crash
	// at any point of an update leaves a file that decodes to either the old
	// or the new value.
	//
	// A DurableValue has exactly one writer, the owning process. It is not
	// safe for concurrent use.
	DurableValue[T any] struct {
		path    string
		file    valueFile
		codec   ValueCodec[T]
		maxSize int

		current T
		// written is the unpadded encoding last durably written.
		written []byte
		// fileLen is the length of the file after the last update,
		// padding included when the truncate did not happen.
		fileLen int
	}

	// DurableOption configures a DurableValue.
	DurableOption func(*durableConfig) error
	durableConfig struct {
		maxSize int
	}

	// valueFile is the subset of *os.File used by DurableValue.
	valueFile interface {
		io.Reader
		io.WriterAt
		Sync() error
		Truncate(size int64) error
		Close() error
	}
)

// WithMaxSize sets the maximum encoded size accepted by Set.
func WithMaxSize(size int) DurableOption {
	return func(c *durableConfig) error {
		if size <= 0 {
			return fmt.Errorf("%w: max value size must be greater than 0", ErrInvalidConfig)
		}
		c.maxSize = size
		return nil
	}
}

// OpenDurableValue opens the value stored at path.
// Missing, empty or undecodable content is replaced by def, which is persisted before returning.
func OpenDurableValue[T any](path string, codec ValueCodec[T], def T, opts ...DurableOption) (*DurableValue[T], error) {
	cfg := durableConfig{maxSize: DefaultMaxValueSize}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, valueFilePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %w", ErrStorage, path, err)
	}

	d, err := openDurableValue(path, f, codec, def, cfg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

func openDurableValue[T any](path string, f valueFile, codec ValueCodec[T], def T, cfg durableConfig) (*DurableValue[T], error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %w", ErrStorage, path, err)
	}

	d := &DurableValue[T]{
		path:    path,
		file:    f,
		codec:   codec,
		maxSize: cfg.maxSize,
		fileLen: len(raw),
	}

	stripped := bytes.TrimRight(raw, "\x00")
	if len(stripped) > 0 {
		v, err := codec.Decode(stripped)
		if err == nil {
			d.current = v
			d.written = bytes.Clone(stripped)
			return d, nil
		}
		slogctx.Warn(context.Background(), "discarding undecodable durable value", "path", path, "error", err)
	}

	if err := d.write(def); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns the in-memory value.
func (d *DurableValue[T]) Get() T {
	return d.current
}

// Path returns the backing file path.
func (d *DurableValue[T]) Path() string {
	return d.path
}

// Set durably replaces the stored value. Setting a value whose encoding
// equals the stored one does not touch the file.
// On failure the in-memory value is left unchanged.
func (d *DurableValue[T]) Set(v T) error {
	s, err := d.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if d.written != nil && bytes.Equal(s, d.written) {
		return nil
	}
	return d.commit(v, s)
}

// Fits reports whether v can be stored by Set, without writing anything.
func (d *DurableValue[T]) Fits(v T) error {
	s, err := d.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return d.checkSize(s)
}

// Close closes the backing file.
func (d *DurableValue[T]) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("%w: closing %q: %w", ErrStorage, d.path, err)
	}
	return nil
}

func (d *DurableValue[T]) write(v T) error {
	s, err := d.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return d.commit(v, s)
}

// commit writes s padded with NULs to the previous file length, syncs it and
// truncates the padding away. Until the sync returns the file holds the old
// encoding; afterwards it holds s, possibly followed by NULs.
func (d *DurableValue[T]) commit(v T, s []byte) error {
	if err := d.checkSize(s); err != nil {
		return err
	}

	buf := s
	if len(s) < d.fileLen {
		buf = make([]byte, d.fileLen)
		copy(buf, s)
	}

	n, err := d.file.WriteAt(buf, 0)
	// a failed write may still have extended the file
	d.fileLen = max(d.fileLen, n)
	if err != nil {
		return fmt.Errorf("%w: writing %q: %w", ErrStorage, d.path, err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %q: %w", ErrStorage, d.path, err)
	}

	d.current = v
	d.written = bytes.Clone(s)
	d.fileLen = len(buf)

	if len(buf) == len(s) {
		return nil
	}
	if err := d.file.Truncate(int64(len(s))); err != nil {
		// the padded content already decodes to v
		slogctx.Warn(context.Background(), "cannot truncate durable value padding", "path", d.path, "error", err)
		return nil
	}
	d.fileLen = len(s)
	return nil
}

func (d *DurableValue[T]) checkSize(s []byte) error {
	if len(s) > d.maxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(s), d.maxSize)
	}
	return nil
}
