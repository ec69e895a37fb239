package binaryfiles

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/internal/concurrency"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

// Backend answers subset queries from binary artifacts. Filters are evaluated to sets of id
// indexes of their own entity and carried over to the target through the lowest common
// ancestor in the pruned tree.
type Backend struct {
	reader *Reader
	logger logger.Logger
}

var _ storage.SubsetReader = (*Backend)(nil)

type BackendOption func(*Backend)

func WithBackendLogger(l logger.Logger) BackendOption {
	return func(b *Backend) {
		b.logger = l
	}
}

func NewBackend(reader *Reader, opts ...BackendOption) *Backend {
	b := &Backend{
		reader: reader,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// row is a target record assembled from the id map, the ancestor file and the variable files.
type row struct {
	idx       uint32
	pk        string
	ancestors []string
	values    [][]study.Value
}

func (b *Backend) Count(ctx context.Context, q *storage.SubsetQuery) (int64, error) {
	ctx, span := tracer.Start(ctx, "binaryfiles.Count")
	defer span.End()

	subset, err := b.subset(ctx, q)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}

	count := int64(subset.GetCardinality())
	span.SetAttributes(attribute.Int64("count", count))
	return count, nil
}

func (b *Backend) ReadTabular(ctx context.Context, q *storage.SubsetQuery, fn storage.RecordFunc) error {
	ctx, span := tracer.Start(ctx, "binaryfiles.ReadTabular")
	defer span.End()

	err := b.readTabular(ctx, q, fn)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (b *Backend) readTabular(ctx context.Context, q *storage.SubsetQuery, fn storage.RecordFunc) error {
	for _, v := range q.Variables {
		if err := checkTargetVariable(q, v); err != nil {
			return err
		}
	}

	subset, err := b.subset(ctx, q)
	if err != nil {
		return err
	}

	emit := func(r row) error {
		return fn(toRecord(q, r))
	}

	if len(q.Sorting) == 0 {
		var position int64
		want := func(idx uint32) (bool, bool) {
			if !subset.Contains(idx) {
				return false, false
			}
			position++
			if position <= q.Offset {
				return false, false
			}
			if q.NumRows != nil && position > q.Offset+*q.NumRows {
				return false, true
			}
			return true, false
		}

		return b.scan(ctx, q, q.Variables, true, want, emit)
	}

	page, err := b.sortedPage(ctx, q, subset)
	if err != nil {
		return err
	}
	if len(page) == 0 {
		return nil
	}

	pageSet := roaring.BitmapOf(page...)
	remaining := pageSet.GetCardinality()
	rows := make(map[uint32]row, len(page))

	want := func(idx uint32) (bool, bool) {
		if remaining == 0 {
			return false, true
		}
		if !pageSet.Contains(idx) {
			return false, false
		}
		remaining--
		return true, false
	}

	err = b.scan(ctx, q, q.Variables, true, want, func(r row) error {
		rows[r.idx] = r
		return nil
	})
	if err != nil {
		return err
	}

	for _, idx := range page {
		if err := emit(rows[idx]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) ReadValues(ctx context.Context, q *storage.SubsetQuery, v study.ValueVariable, fn storage.ValuesFunc) error {
	ctx, span := tracer.Start(ctx, "binaryfiles.ReadValues")
	defer span.End()

	err := b.readValues(ctx, q, v, fn)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (b *Backend) readValues(ctx context.Context, q *storage.SubsetQuery, v study.ValueVariable, fn storage.ValuesFunc) error {
	if err := checkTargetVariable(q, v); err != nil {
		return err
	}

	subset, err := b.subset(ctx, q)
	if err != nil {
		return err
	}

	want := func(idx uint32) (bool, bool) {
		return subset.Contains(idx), false
	}

	return b.scan(ctx, q, []study.ValueVariable{v}, false, want, func(r row) error {
		return fn(r.pk, r.values[0])
	})
}

func checkTargetVariable(q *storage.SubsetQuery, v study.ValueVariable) error {
	if v.Base().EntityID != q.Target.ID {
		return fmt.Errorf("variable %s belongs to entity %s, not to the target %s", v.Base().ID, v.Base().EntityID, q.Target.ID)
	}
	return nil
}

// scan walks the target's id map in id index order and assembles the rows accepted by want.
// want reports whether to keep idx and whether the scan is over.
func (b *Backend) scan(
	ctx context.Context,
	q *storage.SubsetQuery,
	vars []study.ValueVariable,
	withAncestors bool,
	want func(idx uint32) (keep bool, stop bool),
	emit func(row) error,
) error {
	studyID, target := q.Study.ID, q.Target
	layout := b.reader.layout

	cols := newColumns(ctx)
	defer cols.close()

	ids := cols.open(b.reader, layout.IDMapFile(studyID, target.ID), decodeIDs)

	var ancestors *cursor
	if withAncestors && len(target.AncestorPkColumnNames) > 0 {
		ancestors = cols.open(b.reader, layout.AncestorFile(studyID, target.ID), decodeAncestors)
	}

	values := make([]*cursor, len(vars))
	for i, v := range vars {
		decode, err := valueDecoder(v.Type())
		if err != nil {
			return err
		}
		values[i] = cols.open(b.reader, layout.VariableFile(studyID, target.ID, v.Base().ID), decode)
	}

	for {
		e, ok, err := ids.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		keep, stop := want(e.idx)
		if stop {
			return nil
		}
		if !keep {
			continue
		}

		r := row{idx: e.idx, pk: e.pk, values: make([][]study.Value, len(vars))}

		if ancestors != nil {
			err := ancestors.collect(e.idx, func(a entry) {
				r.ancestors = a.ancestors
			})
			if err != nil {
				return err
			}
			if len(r.ancestors) != len(target.AncestorPkColumnNames) {
				return fmt.Errorf("%w: record %s of entity %s has %d ancestor ids", ErrCorruptFile, e.pk, target.ID, len(r.ancestors))
			}
		}

		for i, c := range values {
			err := c.collect(e.idx, func(v entry) {
				r.values[i] = append(r.values[i], v.value)
			})
			if err != nil {
				return err
			}
		}

		if err := emit(r); err != nil {
			return err
		}
	}
}

// sortedPage returns the id indexes of the requested page in sort order. Only the sort keys of
// the subset are held in memory.
func (b *Backend) sortedPage(ctx context.Context, q *storage.SubsetQuery, subset *roaring.Bitmap) ([]uint32, error) {
	candidates := subset.ToArray()
	if len(candidates) == 0 {
		return nil, nil
	}

	type column struct {
		values  []study.Value
		present []bool
	}
	keys := make([]column, len(q.Sorting))

	pool := concurrency.NewPool(ctx, len(q.Sorting))
	for i, key := range q.Sorting {
		if err := checkTargetVariable(q, key.Variable); err != nil {
			return nil, err
		}

		keys[i] = column{values: make([]study.Value, len(candidates)), present: make([]bool, len(candidates))}
		col := keys[i]
		t := key.Variable.Type()
		descending := key.Direction == storage.Descending

		pool.Go(func(ctx context.Context) error {
			return b.reader.ReadVariable(ctx, q.Study.ID, key.Variable, func(idx uint32, v study.Value) error {
				if !subset.Contains(idx) {
					return nil
				}
				pos := subset.Rank(idx) - 1
				if col.present[pos] {
					c := study.CompareValues(t, v, col.values[pos])
					if (descending && c <= 0) || (!descending && c >= 0) {
						return nil
					}
				}
				col.values[pos] = v
				col.present[pos] = true
				return nil
			})
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}

	slices.SortFunc(order, func(a, b int) int {
		for i, key := range q.Sorting {
			pa, pb := keys[i].present[a], keys[i].present[b]
			switch {
			case !pa && !pb:
				continue
			case !pa:
				return 1
			case !pb:
				return -1
			}

			c := study.CompareValues(key.Variable.Type(), keys[i].values[a], keys[i].values[b])
			if key.Direction == storage.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a, b)
	})

	start := min(q.Offset, int64(len(order)))
	end := int64(len(order))
	if q.NumRows != nil {
		end = min(end, start+*q.NumRows)
	}

	page := make([]uint32, 0, end-start)
	for _, pos := range order[start:end] {
		page = append(page, candidates[pos])
	}

	b.logger.DebugWithContext(ctx, "sorted file subset", zap.Int("candidates", len(candidates)), zap.Int("page", len(page)))

	return page, nil
}

// subset returns the id indexes of the target records that satisfy every filter.
func (b *Backend) subset(ctx context.Context, q *storage.SubsetQuery) (*roaring.Bitmap, error) {
	all := roaring.New()
	err := b.reader.ReadIDs(ctx, q.Study.ID, q.Target.ID, func(idx uint32, _ string) error {
		all.Add(idx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(q.Filters) == 0 {
		return all, nil
	}

	sets := make([]*roaring.Bitmap, len(q.Filters))
	pool := concurrency.NewPool(ctx, len(q.Filters))
	for i, f := range q.Filters {
		pool.Go(func(ctx context.Context) error {
			set, err := b.targetsMatching(ctx, q, f)
			if err != nil {
				return err
			}
			sets[i] = set
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	return roaring.FastAnd(append(sets, all)...), nil
}

// targetsMatching evaluates f on its own entity and maps the matching records to target records
// sharing the same record of the lowest common ancestor.
func (b *Backend) targetsMatching(ctx context.Context, q *storage.SubsetQuery, f filter.Filter) (*roaring.Bitmap, error) {
	source := f.Entity()

	matched, err := b.matching(ctx, q.Study.ID, f)
	if err != nil {
		return nil, err
	}
	if source.ID == q.Target.ID {
		return matched, nil
	}

	lca, err := q.Tree.LowestCommonAncestor(source.ID, q.Target.ID)
	if err != nil {
		return nil, err
	}

	keys, err := b.keysAt(ctx, q.Study.ID, source, lca, matched)
	if err != nil {
		return nil, err
	}

	return b.recordsWithKeys(ctx, q.Study.ID, q.Target, lca, keys)
}

// matching returns the id indexes of the records of the filter's entity that satisfy it.
func (b *Backend) matching(ctx context.Context, studyID string, f filter.Filter) (*roaring.Bitmap, error) {
	switch f := f.(type) {
	case filter.ValueFilter:
		set := roaring.New()
		err := b.reader.ReadVariable(ctx, studyID, f.Variable(), func(idx uint32, v study.Value) error {
			if f.Matches(v) {
				set.Add(idx)
			}
			return nil
		})
		return set, err

	case *filter.MultiFilter:
		sets := make([]*roaring.Bitmap, len(f.SubFilters))
		for i, sf := range f.SubFilters {
			set := roaring.New()
			err := b.reader.ReadVariable(ctx, studyID, sf.Variable, func(idx uint32, v study.Value) error {
				if sf.Matches(v) {
					set.Add(idx)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			sets[i] = set
		}

		if f.Operation == filter.Union {
			return roaring.FastOr(sets...), nil
		}
		return roaring.FastAnd(sets...), nil

	default:
		return nil, fmt.Errorf("unsupported filter %T", f)
	}
}

// keysAt returns the primary keys of entity at, an ancestor-or-self of e, for the records of e
// in set.
func (b *Backend) keysAt(ctx context.Context, studyID string, e, at *study.Entity, set *roaring.Bitmap) (map[string]struct{}, error) {
	keys := make(map[string]struct{})

	if at.ID == e.ID {
		err := b.reader.ReadIDs(ctx, studyID, e.ID, func(idx uint32, pk string) error {
			if set.Contains(idx) {
				keys[pk] = struct{}{}
			}
			return nil
		})
		return keys, err
	}

	depth := len(at.AncestorPkColumnNames)
	err := b.reader.ReadAncestors(ctx, studyID, e.ID, func(idx uint32, ancestors []string) error {
		if !set.Contains(idx) {
			return nil
		}
		if depth >= len(ancestors) {
			return fmt.Errorf("%w: entity %s record %d has no %s ancestor", ErrCorruptFile, e.ID, idx, at.ID)
		}
		keys[ancestors[depth]] = struct{}{}
		return nil
	})
	return keys, err
}

// recordsWithKeys returns the id indexes of the records of e whose key at entity at is in keys.
func (b *Backend) recordsWithKeys(ctx context.Context, studyID string, e, at *study.Entity, keys map[string]struct{}) (*roaring.Bitmap, error) {
	set := roaring.New()

	if at.ID == e.ID {
		err := b.reader.ReadIDs(ctx, studyID, e.ID, func(idx uint32, pk string) error {
			if _, ok := keys[pk]; ok {
				set.Add(idx)
			}
			return nil
		})
		return set, err
	}

	depth := len(at.AncestorPkColumnNames)
	err := b.reader.ReadAncestors(ctx, studyID, e.ID, func(idx uint32, ancestors []string) error {
		if depth >= len(ancestors) {
			return fmt.Errorf("%w: entity %s record %d has no %s ancestor", ErrCorruptFile, e.ID, idx, at.ID)
		}
		if _, ok := keys[ancestors[depth]]; ok {
			set.Add(idx)
		}
		return nil
	})
	return set, err
}

func toRecord(q *storage.SubsetQuery, r row) study.Record {
	rec := study.Record{PK: r.pk, AncestorPKs: r.ancestors}
	if len(q.Variables) == 0 {
		return rec
	}

	rec.Values = make(map[string][]string, len(q.Variables))
	for i, v := range q.Variables {
		if len(r.values[i]) == 0 {
			continue
		}
		texts := make([]string, len(r.values[i]))
		for j, value := range r.values[i] {
			texts[j] = study.FormatValue(v.Type(), value, q.TrimTimeFromDateVars)
		}
		rec.Values[v.Base().ID] = texts
	}
	return rec
}
