package distributor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ErrDecode is returned when stored bytes cannot be decoded.
var ErrDecode = errors.New("stored value cannot be decoded")

type (
	// ValueCodec converts a value to and from its stored representation.
	// Encode must be deterministic: DurableValue compares encodings to skip
	// redundant writes.
	ValueCodec[T any] interface {
		Encode(v T) ([]byte, error)
		Decode(data []byte) (T, error)
	}

	// OffsetCodec stores a byte offset as a JSON integer.
	OffsetCodec struct{}

	// WorkerCountsCodec stores WorkerCounts as a JSON object.
	WorkerCountsCodec struct{}

	// WorkerCounts maps a worker identifier to the number of lines it was credited with.
	WorkerCounts map[string]int64
)

var (
	_ ValueCodec[int64]        = OffsetCodec{}
	_ ValueCodec[WorkerCounts] = WorkerCountsCodec{}
)

// Encode encodes a non-negative offset.
func (OffsetCodec) Encode(offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	return json.Marshal(offset)
}

// Decode decodes an offset, ignoring surrounding whitespace.
func (OffsetCodec) Decode(data []byte) (int64, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return 0, fmt.Errorf("%w: null offset", ErrDecode)
	}
	var offset int64
	if err := json.Unmarshal(data, &offset); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrDecode, offset)
	}
	return offset, nil
}

// Encode encodes the counts with keys in sorted order.
// A nil mapping is stored as an empty object.
func (WorkerCountsCodec) Encode(counts WorkerCounts) ([]byte, error) {
	if counts == nil {
		counts = WorkerCounts{}
	}
	for worker, n := range counts {
		if n < 0 {
			return nil, fmt.Errorf("negative count %d for worker %q", n, worker)
		}
	}
	return json.Marshal(map[string]int64(counts))
}

// Decode decodes a JSON object of non-negative integer counts.
func (WorkerCountsCodec) Decode(data []byte) (WorkerCounts, error) {
	var counts map[string]int64
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if counts == nil {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}
	for worker, n := range counts {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative count %d for worker %q", ErrDecode, n, worker)
		}
	}
	return WorkerCounts(counts), nil
}

// Clone returns a copy of the counts.
func (c WorkerCounts) Clone() WorkerCounts {
	out := make(WorkerCounts, len(c))
	maps.Copy(out, c)
	return out
}
