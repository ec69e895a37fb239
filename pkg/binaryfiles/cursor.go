package binaryfiles

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/veupathdb/edasubset/internal/concurrency"
)

const cursorBuffer = 1024

// columns reads several files concurrently and exposes each one as a cursor, so that rows can
// be assembled by walking the files side by side in id index order.
type columns struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func newColumns(ctx context.Context) *columns {
	ctx, cancel := context.WithCancel(ctx)
	return &columns{ctx: ctx, cancel: cancel}
}

func (c *columns) open(r *Reader, path string, decode decodeFunc) *cursor {
	ch := make(chan entry, cursorBuffer)
	cur := &cursor{ch: ch}

	c.wg.Go(func() {
		defer close(ch)
		cur.err = r.readFile(c.ctx, path, decode, func(e entry) error {
			if !concurrency.Send(c.ctx, ch, e) {
				return c.ctx.Err()
			}
			return nil
		})
	})

	return cur
}

// close stops every reader that is still running and waits for them.
func (c *columns) close() {
	c.cancel()
	c.wg.Wait()
}

// cursor walks the records of one file. err is written before ch is closed and only read after.
type cursor struct {
	ch   <-chan entry
	err  error
	head entry
	full bool
	done bool
}

// next returns the next record, or false at the end of the file.
func (c *cursor) next() (entry, bool, error) {
	if c.full {
		c.full = false
		return c.head, true, nil
	}
	if c.done {
		return entry{}, false, nil
	}

	e, ok := <-c.ch
	if !ok {
		c.done = true
		return entry{}, false, c.err
	}
	return e, true, nil
}

// collect passes every record of idx to fn, skipping the records before it.
func (c *cursor) collect(idx uint32, fn func(entry)) error {
	for {
		e, ok, err := c.next()
		if err != nil || !ok {
			return err
		}
		if e.idx < idx {
			continue
		}
		if e.idx > idx {
			c.head, c.full = e, true
			return nil
		}
		fn(e)
	}
}
