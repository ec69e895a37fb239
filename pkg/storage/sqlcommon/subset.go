package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

// pageChunkSize bounds the number of primary keys bound into one statement when the rows of a
// sorted page are fetched.
const pageChunkSize = 500

const (
	kindRecord = iota
	kindAncestor
	kindValue
)

// Count see [storage.SubsetReader].Count.
func (d *Datastore) Count(ctx context.Context, q *storage.SubsetQuery) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Count")
	defer span.End()

	conds, err := d.subsetConditions(q)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}

	var count int64
	err = d.stbl.
		Select("COUNT(*)").
		From(d.table(q.Study.SourceType, "entity_rows") + " r").
		Where(sq.Eq{"r.study_id": q.Study.ID, "r.entity_id": q.Target.ID}).
		Where(conds).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, d.handleSQLError(err)
	}

	span.SetAttributes(attribute.Int64("count", count))
	return count, nil
}

// ReadTabular see [storage.SubsetReader].ReadTabular.
func (d *Datastore) ReadTabular(ctx context.Context, q *storage.SubsetQuery, fn storage.RecordFunc) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReadTabular")
	defer span.End()
	span.SetAttributes(attribute.Bool("sorted", len(q.Sorting) > 0))

	err := d.readTabular(ctx, q, fn)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (d *Datastore) readTabular(ctx context.Context, q *storage.SubsetQuery, fn storage.RecordFunc) error {
	for _, v := range q.Variables {
		if err := checkTargetVariable(q, v); err != nil {
			return err
		}
	}

	conds, err := d.subsetConditions(q)
	if err != nil {
		return err
	}

	if len(q.Sorting) == 0 {
		page := d.subsetRows(q, conds).OrderBy("r.pk")
		page = limitPage(page, q)

		return d.readRecords(ctx, q, page, q.Variables, true, fn)
	}

	pks, err := d.sortedPage(ctx, q, conds)
	if err != nil {
		return err
	}

	for start := 0; start < len(pks); start += pageChunkSize {
		chunk := pks[start:min(start+pageChunkSize, len(pks))]

		records := make(map[string]study.Record, len(chunk))
		page := sq.Select("r.pk").
			From(d.table(q.Study.SourceType, "entity_rows") + " r").
			Where(sq.Eq{"r.study_id": q.Study.ID, "r.entity_id": q.Target.ID, "r.pk": chunk})

		err := d.readRecords(ctx, q, page, q.Variables, true, func(r study.Record) error {
			records[r.PK] = r
			return nil
		})
		if err != nil {
			return err
		}

		for _, pk := range chunk {
			r, ok := records[pk]
			if !ok {
				return fmt.Errorf("record %s of entity %s disappeared while reading", pk, q.Target.ID)
			}
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadValues see [storage.SubsetReader].ReadValues.
func (d *Datastore) ReadValues(ctx context.Context, q *storage.SubsetQuery, v study.ValueVariable, fn storage.ValuesFunc) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReadValues")
	defer span.End()
	span.SetAttributes(attribute.String("variable_id", v.Base().ID))

	err := d.readValues(ctx, q, v, fn)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (d *Datastore) readValues(ctx context.Context, q *storage.SubsetQuery, v study.ValueVariable, fn storage.ValuesFunc) error {
	if err := checkTargetVariable(q, v); err != nil {
		return err
	}

	conds, err := d.subsetConditions(q)
	if err != nil {
		return err
	}

	page := d.subsetRows(q, conds)
	vars := []study.ValueVariable{v}

	return d.scanRecords(ctx, q, page, vars, false, func(pk string, _ []string, values [][]study.Value) error {
		return fn(pk, values[0])
	})
}

func checkTargetVariable(q *storage.SubsetQuery, v study.ValueVariable) error {
	if v.Base().EntityID != q.Target.ID {
		return fmt.Errorf("variable %s belongs to entity %s, not to the target %s", v.Base().ID, v.Base().EntityID, q.Target.ID)
	}
	return nil
}

// subsetRows selects the primary keys of the target records that satisfy conds.
func (d *Datastore) subsetRows(q *storage.SubsetQuery, conds sq.And) sq.SelectBuilder {
	return sq.Select("r.pk").
		From(d.table(q.Study.SourceType, "entity_rows") + " r").
		Where(sq.Eq{"r.study_id": q.Study.ID, "r.entity_id": q.Target.ID}).
		Where(conds)
}

func limitPage(sb sq.SelectBuilder, q *storage.SubsetQuery) sq.SelectBuilder {
	switch {
	case q.NumRows != nil:
		sb = sb.Limit(uint64(*q.NumRows))
	case q.Offset > 0:
		// an OFFSET without a LIMIT is rejected by sqlite and mysql
		sb = sb.Limit(math.MaxInt64)
	}
	if q.Offset > 0 {
		sb = sb.Offset(uint64(q.Offset))
	}
	return sb
}

// sortedPage returns the primary keys of the requested page in sort order. Every sort key joins
// the least (ascending) or greatest (descending) value of its variable per record. Records
// without a value sort last and ties are broken by primary key.
func (d *Datastore) sortedPage(ctx context.Context, q *storage.SubsetQuery, conds sq.And) ([]string, error) {
	sb := d.stbl.Select("r.pk").
		From(d.table(q.Study.SourceType, "entity_rows") + " r").
		Where(sq.Eq{"r.study_id": q.Study.ID, "r.entity_id": q.Target.ID}).
		Where(conds)

	var orderBy []string
	for i, key := range q.Sorting {
		if err := checkTargetVariable(q, key.Variable); err != nil {
			return nil, err
		}

		agg, dir := "MIN", "ASC"
		if key.Direction == storage.Descending {
			agg, dir = "MAX", "DESC"
		}

		alias := fmt.Sprintf("s%d", i)
		join := fmt.Sprintf(
			"(SELECT pk, %s(%s) AS k FROM %s WHERE study_id = ? AND entity_id = ? AND variable_id = ? GROUP BY pk) %s ON %s.pk = r.pk",
			agg, valueColumn(key.Variable.Type()), d.table(q.Study.SourceType, "attribute_values"), alias, alias,
		)
		sb = sb.LeftJoin(join, q.Study.ID, q.Target.ID, key.Variable.Base().ID)

		orderBy = append(orderBy,
			fmt.Sprintf("CASE WHEN %s.k IS NULL THEN 1 ELSE 0 END", alias),
			fmt.Sprintf("%s.k %s", alias, dir),
		)
	}
	sb = limitPage(sb.OrderBy(append(orderBy, "r.pk")...), q)

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, d.handleSQLError(err)
	}

	var pks []string
	err = scanRows(rows, func(rows *sql.Rows) error {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return err
		}
		pks = append(pks, pk)
		return nil
	})
	if err != nil {
		return nil, d.handleSQLError(err)
	}

	d.logger.DebugWithContext(ctx, "sorted database subset", zap.String("entity_id", q.Target.ID), zap.Int("page", len(pks)))
	return pks, nil
}

// readRecords emits one record per primary key selected by page, in primary key order.
func (d *Datastore) readRecords(
	ctx context.Context,
	q *storage.SubsetQuery,
	page sq.SelectBuilder,
	vars []study.ValueVariable,
	withAncestors bool,
	fn storage.RecordFunc,
) error {
	return d.scanRecords(ctx, q, page, vars, withAncestors, func(pk string, ancestors []string, values [][]study.Value) error {
		rec := study.Record{PK: pk, AncestorPKs: ancestors}
		if len(vars) > 0 {
			rec.Values = make(map[string][]string, len(vars))
			for i, v := range vars {
				if len(values[i]) == 0 {
					continue
				}
				texts := make([]string, len(values[i]))
				for j, value := range values[i] {
					texts[j] = study.FormatValue(v.Type(), value, q.TrimTimeFromDateVars)
				}
				rec.Values[v.Base().ID] = texts
			}
		}
		return fn(rec)
	})
}

// scanRecords runs a single statement returning, for every primary key selected by page, the
// record itself, its ancestor ids and its values of vars. The branches are combined with
// UNION ALL and ordered by primary key, then kind, then value, so the rows of one record are
// adjacent and multi-valued values come out sorted.
func (d *Datastore) scanRecords(
	ctx context.Context,
	q *storage.SubsetQuery,
	page sq.SelectBuilder,
	vars []study.ValueVariable,
	withAncestors bool,
	fn func(pk string, ancestors []string, values [][]study.Value) error,
) error {
	target := q.Target
	path := q.Study.Ancestors(target.ID)
	withAncestors = withAncestors && len(path) > 0

	depths := make(map[string]int, len(path))
	for i, e := range path {
		depths[e.ID] = i
	}
	positions := make(map[string]int, len(vars))
	varIDs := make([]string, len(vars))
	for i, v := range vars {
		positions[v.Base().ID] = i
		varIDs[i] = v.Base().ID
	}

	branches := []sq.SelectBuilder{
		sq.Select("p.pk", fmt.Sprint(kindRecord), "NULL", "NULL", "NULL", "NULL").FromSelect(page, "p"),
	}
	if withAncestors {
		branches = append(branches, sq.
			Select("a.pk", fmt.Sprint(kindAncestor), "a.ancestor_entity_id", "a.ancestor_pk", "NULL", "NULL").
			FromSelect(page, "p").
			Join(d.table(q.Study.SourceType, "ancestors")+" a ON a.study_id = ? AND a.entity_id = ? AND a.pk = p.pk", q.Study.ID, target.ID))
	}
	if len(vars) > 0 {
		branches = append(branches, sq.
			Select("v.pk", fmt.Sprint(kindValue), "v.variable_id", "v.string_value", "v.number_value", "v.date_value").
			FromSelect(page, "p").
			Join(d.table(q.Study.SourceType, "attribute_values")+" v ON v.study_id = ? AND v.entity_id = ? AND v.pk = p.pk", q.Study.ID, target.ID).
			Where(sq.Eq{"v.variable_id": varIDs}))
	}

	query, args, err := d.union(branches)
	if err != nil {
		return err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return d.handleSQLError(err)
	}

	var (
		pk        string
		started   bool
		ancestors []string
		values    [][]study.Value
		fnErr     error
	)
	flush := func() error {
		if !started {
			return nil
		}
		for i, a := range ancestors {
			if a == "" {
				fnErr = fmt.Errorf("record %s of entity %s has no %s ancestor", pk, target.ID, path[i].ID)
				return fnErr
			}
		}
		fnErr = fn(pk, ancestors, values)
		return fnErr
	}

	err = scanRows(rows, func(rows *sql.Rows) error {
		var (
			rowPK  string
			kind   int
			c1, c2 sql.NullString
			number sql.NullFloat64
			date   sql.NullInt64
		)
		if err := rows.Scan(&rowPK, &kind, &c1, &c2, &number, &date); err != nil {
			return err
		}

		switch kind {
		case kindRecord:
			if err := flush(); err != nil {
				return err
			}
			pk, started = rowPK, true
			ancestors = nil
			if withAncestors {
				ancestors = make([]string, len(path))
			}
			values = make([][]study.Value, len(vars))

		case kindAncestor:
			depth, ok := depths[c1.String]
			if ok && rowPK == pk {
				ancestors[depth] = c2.String
			}

		case kindValue:
			i, ok := positions[c1.String]
			if ok && rowPK == pk {
				values[i] = append(values[i], decodeValue(vars[i].Type(), c2, number, date))
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return d.handleSQLError(err)
	}

	return flush()
}

// union renders the branches as one UNION ALL statement in the placeholder format of the
// dialect.
func (d *Datastore) union(branches []sq.SelectBuilder) (string, []interface{}, error) {
	parts := make([]string, len(branches))
	var args []interface{}
	for i, b := range branches {
		query, bargs, err := b.ToSql()
		if err != nil {
			return "", nil, err
		}
		parts[i] = query
		args = append(args, bargs...)
	}

	query := strings.Join(parts, " UNION ALL ") + " ORDER BY 1, 2, 3, 4, 5, 6"
	query, err := d.dialect.Placeholder.ReplacePlaceholders(query)
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

func decodeValue(t study.Type, s sql.NullString, number sql.NullFloat64, date sql.NullInt64) study.Value {
	switch t {
	case study.TypeInteger:
		return study.Value{Int: int64(number.Float64)}
	case study.TypeNumber, study.TypeLongitude:
		return study.Value{Number: number.Float64}
	case study.TypeDate:
		return study.Value{Date: time.UnixMilli(date.Int64).UTC()}
	default:
		return study.Value{String: s.String}
	}
}

func valueColumn(t study.Type) string {
	switch t {
	case study.TypeInteger, study.TypeNumber, study.TypeLongitude:
		return "number_value"
	case study.TypeDate:
		return "date_value"
	default:
		return "string_value"
	}
}

// subsetConditions restricts the rows aliased r of the target entity to those satisfying every
// filter.
func (d *Datastore) subsetConditions(q *storage.SubsetQuery) (sq.And, error) {
	conds := sq.And{}
	for _, f := range q.Filters {
		targets, err := d.targetsMatching(q, f)
		if err != nil {
			return nil, err
		}
		conds = append(conds, sq.Expr("r.pk IN (?)", targets))
	}
	return conds, nil
}

// targetsMatching selects the primary keys of the target records sharing a record of the lowest
// common ancestor with a record of the filter's entity that satisfies f.
func (d *Datastore) targetsMatching(q *storage.SubsetQuery, f filter.Filter) (sq.Sqlizer, error) {
	source := f.Entity()

	matched, err := d.matching(q, f)
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

	keys := matched
	if lca.ID != source.ID {
		keys = sq.Select("ancestor_pk").
			From(d.table(q.Study.SourceType, "ancestors")).
			Where(sq.Eq{"study_id": q.Study.ID, "entity_id": source.ID, "ancestor_entity_id": lca.ID}).
			Where(sq.Expr("pk IN (?)", matched))
	}
	if lca.ID == q.Target.ID {
		return keys, nil
	}

	return sq.Select("pk").
		From(d.table(q.Study.SourceType, "ancestors")).
		Where(sq.Eq{"study_id": q.Study.ID, "entity_id": q.Target.ID, "ancestor_entity_id": lca.ID}).
		Where(sq.Expr("ancestor_pk IN (?)", keys)), nil
}

// matching selects the primary keys of the records of the filter's entity that satisfy it.
func (d *Datastore) matching(q *storage.SubsetQuery, f filter.Filter) (sq.Sqlizer, error) {
	switch f := f.(type) {
	case filter.ValueFilter:
		cond, err := valueCondition(f)
		if err != nil {
			return nil, err
		}
		return d.valuesMatching(q, f.Entity(), f.Variable(), cond), nil

	case *filter.MultiFilter:
		subs := make([]sq.Sqlizer, len(f.SubFilters))
		for i, sf := range f.SubFilters {
			matched := d.valuesMatching(q, f.Entity(), sf.Variable, sq.Eq{"string_value": sf.Values})
			subs[i] = sq.Expr("pk IN (?)", matched)
		}

		var combined sq.Sqlizer = sq.And(subs)
		if f.Operation == filter.Union {
			combined = sq.Or(subs)
		}

		return sq.Select("pk").
			From(d.table(q.Study.SourceType, "entity_rows")).
			Where(sq.Eq{"study_id": q.Study.ID, "entity_id": f.Entity().ID}).
			Where(combined), nil

	default:
		return nil, fmt.Errorf("unsupported filter %T", f)
	}
}

func (d *Datastore) valuesMatching(q *storage.SubsetQuery, e *study.Entity, v study.ValueVariable, cond sq.Sqlizer) sq.SelectBuilder {
	return sq.Select("pk").
		From(d.table(q.Study.SourceType, "attribute_values")).
		Where(sq.Eq{"study_id": q.Study.ID, "entity_id": e.ID, "variable_id": v.Base().ID}).
		Where(cond)
}

// valueCondition translates a single variable filter to a condition on the value columns.
func valueCondition(f filter.ValueFilter) (sq.Sqlizer, error) {
	switch f := f.(type) {
	case *filter.DateRange:
		return sq.Expr("date_value BETWEEN ? AND ?", f.Min.UnixMilli(), f.Max.UnixMilli()), nil

	case *filter.DateSet:
		ms := make([]int64, len(f.Values))
		for i, t := range f.Values {
			ms[i] = t.UnixMilli()
		}
		return sq.Eq{"date_value": ms}, nil

	case *filter.NumberRange[int64]:
		return sq.Expr("number_value BETWEEN ? AND ?", float64(f.Min), float64(f.Max)), nil

	case *filter.NumberRange[float64]:
		return sq.Expr("number_value BETWEEN ? AND ?", f.Min, f.Max), nil

	case *filter.NumberSet[int64]:
		numbers := make([]float64, len(f.Values))
		for i, n := range f.Values {
			numbers[i] = float64(n)
		}
		return sq.Eq{"number_value": numbers}, nil

	case *filter.NumberSet[float64]:
		return sq.Eq{"number_value": f.Values}, nil

	case *filter.LongitudeRange:
		if f.Wraps() {
			return sq.Or{sq.GtOrEq{"number_value": f.Left}, sq.LtOrEq{"number_value": f.Right}}, nil
		}
		return sq.Expr("number_value BETWEEN ? AND ?", f.Left, f.Right), nil

	case *filter.StringSet:
		return sq.Eq{"string_value": f.Values}, nil

	default:
		return nil, fmt.Errorf("unsupported filter %T", f)
	}
}
