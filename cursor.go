package distributor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// CursorState is the state of a TaskCursor.
type CursorState string

const (
	// CursorActive means lines may remain after the cursor.
	CursorActive CursorState = "ACTIVE"
	// CursorExhausted means a read at the cursor returned no bytes. It is terminal.
	CursorExhausted CursorState = "EXHAUSTED"
)

// ErrEndOfTasks is returned by TaskCursor.Next when the task source holds no
// more lines. It signals exhaustion, not a failure.
var ErrEndOfTasks = errors.New("end of tasks")

// TaskCursor hands out the lines of a task source in file order.
// The byte offset after the last returned line is persisted before the line
// is returned, so a new cursor over the same offset value resumes where the
// previous one stopped.
//
// The task source must not change while it is in use.
// A TaskCursor is not safe for concurrent use.
type TaskCursor struct {
	src    io.ReadSeeker
	reader *bufio.Reader
	offset *DurableValue[int64]
	pos    int64
	state  CursorState
}

// OpenTaskCursor positions src at the persisted offset.
func OpenTaskCursor(src io.ReadSeeker, offset *DurableValue[int64]) (*TaskCursor, error) {
	c := &TaskCursor{
		src:    src,
		offset: offset,
		pos:    offset.Get(),
		state:  CursorActive,
	}
	if err := c.rewind(); err != nil {
		return nil, err
	}
	return c, nil
}

// Next returns the next line without its trailing line feed and carriage
// returns. It returns ErrEndOfTasks once the source is exhausted.
//
// The new position is persisted on every call, including the exhausted
// case where it does not move. If persisting fails the cursor stays on the
// line, which is offered again by the following call.
func (c *TaskCursor) Next() (string, error) {
	raw, err := c.reader.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", c.abort(fmt.Errorf("%w: reading tasks: %w", ErrStorage, err))
	}

	next := c.pos + int64(len(raw))
	if err := c.offset.Set(next); err != nil {
		return "", c.abort(err)
	}
	c.pos = next

	if len(raw) == 0 {
		c.state = CursorExhausted
		return "", ErrEndOfTasks
	}
	return string(bytes.TrimRight(raw, "\r\n")), nil
}

// Offset returns the byte offset after the last returned line.
func (c *TaskCursor) Offset() int64 {
	return c.pos
}

// State returns the cursor state.
func (c *TaskCursor) State() CursorState {
	return c.state
}

// abort puts the reader back on the persisted position and returns err.
func (c *TaskCursor) abort(err error) error {
	if rerr := c.rewind(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (c *TaskCursor) rewind() error {
	if _, err := c.src.Seek(c.pos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seeking tasks to %d: %w", ErrStorage, c.pos, err)
	}
	if c.reader == nil {
		c.reader = bufio.NewReader(c.src)
	} else {
		c.reader.Reset(c.src)
	}
	return nil
}
