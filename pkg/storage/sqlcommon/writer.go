package sqlcommon

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

// WriteStudy inserts the metadata and the records of s in one transaction. It returns an error
// wrapping storage.ErrCollision if the study already exists.
func (d *Datastore) WriteStudy(ctx context.Context, s *study.Study, records map[string][]study.Record) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.WriteStudy")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", s.ID))

	err := d.writeStudy(ctx, s, records)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	d.logger.InfoWithContext(ctx, "imported study", zap.String("study_id", s.ID), zap.String("source_type", string(s.SourceType)))
	return nil
}

func (d *Datastore) writeStudy(ctx context.Context, s *study.Study, records map[string][]study.Record) error {
	for id := range records {
		if _, ok := s.Entity(id); !ok {
			return fmt.Errorf("records reference unknown entity %s", id)
		}
	}

	if _, _, err := d.findStudy(ctx, s.ID); err == nil {
		return CollisionError(s.ID)
	}

	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.handleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	w := &batchWriter{
		ctx:       ctx,
		stbl:      d.stbl.RunWith(txn),
		batchSize: d.insertBatchSize,
		handle: func(err error) error {
			return d.handleSQLError(err, s.ID)
		},
	}
	table := func(name string) string {
		return d.table(s.SourceType, name)
	}

	err = w.insert(table("studies"), []string{"study_id", "source_type", "last_modified"},
		[][]interface{}{{s.ID, string(s.SourceType), s.LastModified.UnixMilli()}})
	if err != nil {
		return err
	}

	var entityRows, variableRows, collectionRows [][]interface{}
	for ordinal, e := range s.Entities() {
		var parentID interface{}
		if parent, ok := s.Parent(e.ID); ok {
			parentID = parent.ID
		}
		entityRows = append(entityRows, []interface{}{
			s.ID, e.ID, parentID, e.DisplayName, e.IDColumnName, e.IsManyToOneWithParent, ordinal,
		})

		for i, v := range e.Variables {
			row, err := variableRow(s.ID, e.ID, i, study.SpecOf(v))
			if err != nil {
				return err
			}
			variableRows = append(variableRows, row)
		}

		for i, c := range e.Collections {
			members, err := json.Marshal(c.MemberVariableIDs)
			if err != nil {
				return err
			}
			collectionRows = append(collectionRows, []interface{}{s.ID, e.ID, c.ID, i, c.DisplayName, string(members)})
		}
	}

	if err := w.insert(table("entities"), []string{"study_id", "entity_id", "parent_id", "display_name", "id_column_name", "is_many_to_one", "ordinal"}, entityRows); err != nil {
		return err
	}
	if err := w.insert(table("variables"), append([]string{"study_id", "ordinal"}, variableColumns...), variableRows); err != nil {
		return err
	}
	if err := w.insert(table("collections"), []string{"study_id", "entity_id", "collection_id", "ordinal", "display_name", "member_variable_ids"}, collectionRows); err != nil {
		return err
	}

	for _, e := range s.Entities() {
		if err := d.writeRecords(w, table, s, e, records[e.ID]); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return d.handleSQLError(err, s.ID)
	}
	return nil
}

func variableRow(studyID, entityID string, ordinal int, spec study.VariableSpec) ([]interface{}, error) {
	var vocabulary interface{}
	if len(spec.Vocabulary) > 0 {
		b, err := json.Marshal(spec.Vocabulary)
		if err != nil {
			return nil, err
		}
		vocabulary = string(b)
	}

	return []interface{}{
		studyID, ordinal, entityID, spec.ID, nullable(spec.ParentID), spec.DisplayName, nullable(spec.DisplayType),
		string(spec.Type), nullable(string(spec.DataShape)), vocabulary, spec.IsMultiValued,
		spec.HasStudyDependentVocabulary, nullable(spec.Units), spec.Precision, nullable(spec.DisplayRangeMin),
		nullable(spec.DisplayRangeMax), nullable(spec.BinWidth), nullable(string(spec.BinUnits)),
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (d *Datastore) writeRecords(w *batchWriter, table func(string) string, s *study.Study, e *study.Entity, records []study.Record) error {
	path := s.Ancestors(e.ID)

	var idRows, ancestorRows, valueRows [][]interface{}
	for _, r := range records {
		if r.PK == "" {
			return fmt.Errorf("entity %s has a record with an empty primary key", e.ID)
		}
		if len(r.AncestorPKs) != len(path) {
			return fmt.Errorf("record %s of entity %s has %d ancestor ids, expected %d", r.PK, e.ID, len(r.AncestorPKs), len(path))
		}

		idRows = append(idRows, []interface{}{s.ID, e.ID, r.PK})
		for i, ancestor := range path {
			ancestorRows = append(ancestorRows, []interface{}{s.ID, e.ID, r.PK, ancestor.ID, r.AncestorPKs[i]})
		}

		for id, texts := range r.Values {
			v, err := e.ValueVariable(id)
			if err != nil {
				return fmt.Errorf("record %s of entity %s: %w", r.PK, e.ID, err)
			}
			if len(texts) > 1 && !v.Values().IsMultiValued {
				return fmt.Errorf("record %s has %d values for single valued variable %s", r.PK, len(texts), id)
			}

			for _, text := range texts {
				value, err := study.ParseValue(v.Type(), text)
				if err != nil {
					return fmt.Errorf("record %s variable %s: %w", r.PK, id, err)
				}
				valueRows = append(valueRows, valueRow(s.ID, e.ID, r.PK, id, v.Type(), value))
			}
		}
	}

	if err := w.insert(table("entity_rows"), []string{"study_id", "entity_id", "pk"}, idRows); err != nil {
		return err
	}
	if err := w.insert(table("ancestors"), []string{"study_id", "entity_id", "pk", "ancestor_entity_id", "ancestor_pk"}, ancestorRows); err != nil {
		return err
	}
	return w.insert(table("attribute_values"), []string{"study_id", "entity_id", "pk", "variable_id", "string_value", "number_value", "date_value"}, valueRows)
}

func valueRow(studyID, entityID, pk, variableID string, t study.Type, v study.Value) []interface{} {
	row := []interface{}{studyID, entityID, pk, variableID, nil, nil, nil}
	switch t {
	case study.TypeInteger:
		row[5] = float64(v.Int)
	case study.TypeNumber, study.TypeLongitude:
		row[5] = v.Number
	case study.TypeDate:
		row[6] = v.Date.UnixMilli()
	default:
		row[4] = v.String
	}
	return row
}

// DeleteStudy removes a study and all of its records. Deleting a missing study returns an error
// wrapping storage.ErrNotFound.
func (d *Datastore) DeleteStudy(ctx context.Context, studyID string) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.DeleteStudy")
	defer span.End()

	sourceType, _, err := d.findStudy(ctx, studyID)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.handleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := d.stbl.RunWith(txn)
	for _, name := range []string{"attribute_values", "ancestors", "entity_rows", "collections", "variables", "entities", "studies"} {
		_, err := stbl.Delete(d.table(sourceType, name)).Where(sq.Eq{"study_id": studyID}).ExecContext(ctx)
		if err != nil {
			return d.handleSQLError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return d.handleSQLError(err)
	}

	d.logger.InfoWithContext(ctx, "deleted study", zap.String("study_id", studyID))
	return nil
}

// batchWriter inserts rows in multi-row statements of at most batchSize rows.
type batchWriter struct {
	ctx       context.Context
	stbl      sq.StatementBuilderType
	batchSize int
	handle    func(error) error
}

func (w *batchWriter) insert(table string, columns []string, rows [][]interface{}) error {
	for start := 0; start < len(rows); start += w.batchSize {
		end := min(start+w.batchSize, len(rows))

		ib := w.stbl.Insert(table).Columns(columns...)
		for _, row := range rows[start:end] {
			ib = ib.Values(row...)
		}

		if _, err := ib.ExecContext(w.ctx); err != nil {
			return w.handle(err)
		}
	}
	return nil
}
