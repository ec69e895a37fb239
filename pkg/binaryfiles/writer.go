package binaryfiles

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/study"
)

// Writer builds the artifacts of a study from its records.
type Writer struct {
	layout       *Layout
	blockRecords int
	logger       logger.Logger
}

type WriterOption func(*Writer)

// WithBlockRecords sets the number of records per block.
func WithBlockRecords(n int) WriterOption {
	return func(w *Writer) {
		w.blockRecords = n
	}
}

func WithWriterLogger(l logger.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

func NewWriter(layout *Layout, opts ...WriterOption) *Writer {
	w := &Writer{
		layout:       layout,
		blockRecords: DefaultBlockRecords,
		logger:       logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.blockRecords <= 0 {
		w.blockRecords = DefaultBlockRecords
	}

	return w
}

// WriteStudy writes the artifacts of every entity of s. records maps entity ids to their
// records; entities without records get empty files.
func (w *Writer) WriteStudy(ctx context.Context, s *study.Study, records map[string][]study.Record) error {
	for id := range records {
		if _, ok := s.Entity(id); !ok {
			return fmt.Errorf("records reference unknown entity %s", id)
		}
	}

	for _, e := range s.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.WriteEntity(s, e, records[e.ID]); err != nil {
			return err
		}
	}

	w.logger.Info("wrote binary files", zap.String("study_id", s.ID), zap.String("dir", w.layout.StudyDir(s.ID)))

	return nil
}

// WriteEntity writes the id map, the ancestor file and one file per value variable of e.
func (w *Writer) WriteEntity(s *study.Study, e *study.Entity, records []study.Record) error {
	if !validName(s.ID, e.ID) {
		return fmt.Errorf("invalid artifact path for entity %s of study %s", e.ID, s.ID)
	}

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b study.Record) int {
		return strings.Compare(a.PK, b.PK)
	})

	for i, r := range sorted {
		if r.PK == "" {
			return fmt.Errorf("entity %s has a record with an empty primary key", e.ID)
		}
		if i > 0 && sorted[i-1].PK == r.PK {
			return fmt.Errorf("entity %s has duplicate primary key %s", e.ID, r.PK)
		}
		if len(r.AncestorPKs) != len(e.AncestorPkColumnNames) {
			return fmt.Errorf("record %s of entity %s has %d ancestor ids, expected %d", r.PK, e.ID, len(r.AncestorPKs), len(e.AncestorPkColumnNames))
		}
		for id := range r.Values {
			if _, ok := e.Variable(id); !ok {
				return fmt.Errorf("record %s of entity %s has a value for unknown variable %s", r.PK, e.ID, id)
			}
		}
	}

	dir := w.layout.EntityDir(s.ID, e.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	err := w.writeFile(w.layout.IDMapFile(s.ID, e.ID), func(bw *blockWriter) error {
		for i, r := range sorted {
			bw.payload = appendIDRecord(bw.payload, uint32(i), r.PK)
			if err := bw.next(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(e.AncestorPkColumnNames) > 0 {
		err := w.writeFile(w.layout.AncestorFile(s.ID, e.ID), func(bw *blockWriter) error {
			for i, r := range sorted {
				bw.payload = appendAncestorRecord(bw.payload, uint32(i), r.AncestorPKs)
				if err := bw.next(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, v := range e.Variables {
		vv, ok := v.(study.ValueVariable)
		if !ok {
			continue
		}

		id := v.Base().ID
		err := w.writeFile(w.layout.VariableFile(s.ID, e.ID, id), func(bw *blockWriter) error {
			for i, r := range sorted {
				texts := r.Values[id]
				if len(texts) > 1 && !vv.Values().IsMultiValued {
					return fmt.Errorf("record %s has %d values for single valued variable %s", r.PK, len(texts), id)
				}

				values := make([]study.Value, len(texts))
				for j, text := range texts {
					value, err := study.ParseValue(v.Type(), text)
					if err != nil {
						return fmt.Errorf("record %s variable %s: %w", r.PK, id, err)
					}
					values[j] = value
				}
				slices.SortFunc(values, func(a, b study.Value) int {
					return study.CompareValues(v.Type(), a, b)
				})

				for _, value := range values {
					var err error
					bw.payload, err = appendValueRecord(bw.payload, v.Type(), uint32(i), value)
					if err != nil {
						return err
					}
					if err := bw.next(); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// writeFile writes to a temporary file next to path and renames it into place, so readers
// never see a partial artifact.
func (w *Writer) writeFile(path string, fill func(*blockWriter) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := &blockWriter{w: bufio.NewWriter(tmp), max: w.blockRecords}
	if err := fill(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

type blockWriter struct {
	w       *bufio.Writer
	max     int
	count   int
	payload []byte
	frame   []byte
}

// next marks the end of a record appended to payload and flushes a full block.
func (b *blockWriter) next() error {
	b.count++
	if b.count < b.max {
		return nil
	}
	return b.flush()
}

func (b *blockWriter) flush() error {
	if b.count == 0 {
		return nil
	}

	b.frame = appendBlock(b.frame[:0], b.payload)
	if _, err := b.w.Write(b.frame); err != nil {
		return err
	}

	b.payload = b.payload[:0]
	b.count = 0
	return nil
}

func (b *blockWriter) close() error {
	if err := b.flush(); err != nil {
		return err
	}
	return b.w.Flush()
}
