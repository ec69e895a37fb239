package binaryfiles

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sourcegraph/conc/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/veupathdb/edasubset/internal/concurrency"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/binaryfiles")

const (
	DefaultReadPoolSize   = 8
	DefaultDecodePoolSize = 16

	readBufferSize = 256 << 10
)

// Reader streams artifacts. Raw block reads and block decoding are bounded by two pools shared
// by every read of the Reader, so that the columns of one request are read and decoded
// concurrently while the total amount of work stays fixed.
type Reader struct {
	layout  *Layout
	reads   *concurrency.Limiter
	decodes *concurrency.Limiter
}

type ReaderOption func(*Reader)

func WithReadPoolSize(n int) ReaderOption {
	return func(r *Reader) {
		r.reads = concurrency.NewLimiter(n)
	}
}

func WithDecodePoolSize(n int) ReaderOption {
	return func(r *Reader) {
		r.decodes = concurrency.NewLimiter(n)
	}
}

func NewReader(layout *Layout, opts ...ReaderOption) *Reader {
	r := &Reader{
		layout:  layout,
		reads:   concurrency.NewLimiter(DefaultReadPoolSize),
		decodes: concurrency.NewLimiter(DefaultDecodePoolSize),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Reader) Layout() *Layout {
	return r.layout
}

// ReadIDs calls fn with the id index and primary key of every record of the entity, in id
// index order.
func (r *Reader) ReadIDs(ctx context.Context, studyID, entityID string, fn func(idx uint32, pk string) error) error {
	return r.readFile(ctx, r.layout.IDMapFile(studyID, entityID), decodeIDs, func(e entry) error {
		return fn(e.idx, e.pk)
	})
}

// ReadAncestors calls fn with the ancestor primary keys, root first, of every record of the
// entity, in id index order.
func (r *Reader) ReadAncestors(ctx context.Context, studyID, entityID string, fn func(idx uint32, ancestors []string) error) error {
	return r.readFile(ctx, r.layout.AncestorFile(studyID, entityID), decodeAncestors, func(e entry) error {
		return fn(e.idx, e.ancestors)
	})
}

// ReadVariable calls fn once per value of v, in id index order. Records without a value are
// skipped and multi-valued records produce one call per value.
func (r *Reader) ReadVariable(ctx context.Context, studyID string, v study.ValueVariable, fn func(idx uint32, value study.Value) error) error {
	decode, err := valueDecoder(v.Type())
	if err != nil {
		return err
	}

	b := v.Base()
	return r.readFile(ctx, r.layout.VariableFile(studyID, b.EntityID, b.ID), decode, func(e entry) error {
		return fn(e.idx, e.value)
	})
}

// readFile reads the blocks of path in order through the read pool, decodes them concurrently
// through the decode pool and hands the records to fn in file order. fn is never called
// concurrently.
func (r *Reader) readFile(ctx context.Context, path string, decode decodeFunc, fn func(entry) error) error {
	ctx, span := tracer.Start(ctx, "binaryfiles.readFile")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	err := r.stream(ctx, path, decode, fn)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (r *Reader) stream(ctx context.Context, path string, decode decodeFunc, fn func(entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, readBufferSize)

	// Callbacks run one at a time in submission order, so callbackErr needs no lock. failed lets
	// the read loop stop early.
	var callbackErr error
	var failed atomic.Bool

	s := stream.New().WithMaxGoroutines(r.decodes.Size())

	var readErr error
	for blocks := 0; ; blocks++ {
		if failed.Load() {
			break
		}

		var block []byte
		err := r.reads.Do(ctx, func() error {
			var err error
			block, err = readBlock(br)
			return err
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("%s: block %d: %w", path, blocks, err)
			break
		}

		s.Go(func() stream.Callback {
			var entries []entry
			err := r.decodes.Do(ctx, func() error {
				var err error
				entries, err = decode(block)
				return err
			})

			return func() {
				if callbackErr != nil {
					return
				}
				if err != nil {
					callbackErr = fmt.Errorf("%s: %w", path, err)
					failed.Store(true)
					return
				}
				for _, e := range entries {
					if err := fn(e); err != nil {
						callbackErr = err
						failed.Store(true)
						return
					}
				}
			}
		})
	}

	s.Wait()

	if callbackErr != nil {
		return callbackErr
	}
	return readErr
}
