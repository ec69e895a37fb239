package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

var variableColumns = []string{
	"entity_id", "variable_id", "parent_id", "display_name", "display_type", "type", "data_shape",
	"vocabulary", "is_multi_valued", "has_study_dependent_vocabulary", "units", "precision_digits",
	"display_range_min", "display_range_max", "bin_width", "bin_units",
}

// ListOverviews see [storage.StudySource].ListOverviews.
func (d *Datastore) ListOverviews(ctx context.Context) ([]study.Overview, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListOverviews")
	defer span.End()

	var overviews []study.Overview
	for _, owner := range d.sourceTypes() {
		rows, err := d.stbl.
			Select("study_id", "source_type", "last_modified").
			From(d.table(owner, "studies")).
			OrderBy("study_id").
			QueryContext(ctx)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, d.handleSQLError(err)
		}

		err = scanRows(rows, func(rows *sql.Rows) error {
			var o study.Overview
			var lastModified int64
			if err := rows.Scan(&o.ID, &o.SourceType, &lastModified); err != nil {
				return err
			}
			if d.ownsSourceType(owner, o.SourceType) {
				o.LastModified = time.UnixMilli(lastModified).UTC()
				overviews = append(overviews, o)
			}
			return nil
		})
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, d.handleSQLError(err)
		}
	}

	slices.SortFunc(overviews, func(a, b study.Overview) int {
		return strings.Compare(a.ID, b.ID)
	})

	span.SetAttributes(attribute.Int("studies", len(overviews)))
	return overviews, nil
}

// LoadStudy see [storage.StudySource].LoadStudy.
func (d *Datastore) LoadStudy(ctx context.Context, studyID string) (*study.Study, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.LoadStudy")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", studyID))

	s, err := d.loadStudy(ctx, studyID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return s, nil
}

func (d *Datastore) loadStudy(ctx context.Context, studyID string) (*study.Study, error) {
	sourceType, lastModified, err := d.findStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	entities, root, err := d.loadEntities(ctx, sourceType, studyID)
	if err != nil {
		return nil, err
	}

	if err := d.loadVariables(ctx, sourceType, studyID, entities); err != nil {
		return nil, err
	}

	if err := d.loadCollections(ctx, sourceType, studyID, entities); err != nil {
		return nil, err
	}

	s, err := study.New(studyID, sourceType, lastModified, root)
	if err != nil {
		return nil, fmt.Errorf("study %s is inconsistent: %w", studyID, err)
	}
	return s, nil
}

func (d *Datastore) findStudy(ctx context.Context, studyID string) (study.SourceType, time.Time, error) {
	for _, owner := range d.sourceTypes() {
		var sourceType study.SourceType
		var lastModified int64
		err := d.stbl.
			Select("source_type", "last_modified").
			From(d.table(owner, "studies")).
			Where(sq.Eq{"study_id": studyID}).
			QueryRowContext(ctx).
			Scan(&sourceType, &lastModified)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", time.Time{}, d.handleSQLError(err)
		}
		if d.ownsSourceType(owner, sourceType) {
			return sourceType, time.UnixMilli(lastModified).UTC(), nil
		}
	}
	return "", time.Time{}, storage.StudyNotFoundError(studyID)
}

func (d *Datastore) loadEntities(ctx context.Context, sourceType study.SourceType, studyID string) (map[string]*study.Entity, *study.Entity, error) {
	rows, err := d.stbl.
		Select("entity_id", "parent_id", "display_name", "id_column_name", "is_many_to_one").
		From(d.table(sourceType, "entities")).
		Where(sq.Eq{"study_id": studyID}).
		OrderBy("ordinal").
		QueryContext(ctx)
	if err != nil {
		return nil, nil, d.handleSQLError(err)
	}

	entities := map[string]*study.Entity{}
	var order []*study.Entity
	parents := map[string]string{}
	err = scanRows(rows, func(rows *sql.Rows) error {
		var e study.Entity
		var parentID sql.NullString
		if err := rows.Scan(&e.ID, &parentID, &e.DisplayName, &e.IDColumnName, &e.IsManyToOneWithParent); err != nil {
			return err
		}
		entities[e.ID] = &e
		order = append(order, &e)
		if parentID.Valid {
			parents[e.ID] = parentID.String
		}
		return nil
	})
	if err != nil {
		return nil, nil, d.handleSQLError(err)
	}

	var root *study.Entity
	for _, e := range order {
		parentID, ok := parents[e.ID]
		if !ok {
			if root != nil {
				return nil, nil, fmt.Errorf("study %s has more than one root entity", studyID)
			}
			root = e
			continue
		}
		parent, ok := entities[parentID]
		if !ok {
			return nil, nil, fmt.Errorf("entity %s of study %s has unknown parent %s", e.ID, studyID, parentID)
		}
		parent.Children = append(parent.Children, e)
	}
	if root == nil {
		return nil, nil, fmt.Errorf("study %s has no root entity", studyID)
	}

	return entities, root, nil
}

func (d *Datastore) loadVariables(ctx context.Context, sourceType study.SourceType, studyID string, entities map[string]*study.Entity) error {
	rows, err := d.stbl.
		Select(variableColumns...).
		From(d.table(sourceType, "variables")).
		Where(sq.Eq{"study_id": studyID}).
		OrderBy("entity_id", "ordinal").
		QueryContext(ctx)
	if err != nil {
		return d.handleSQLError(err)
	}

	err = scanRows(rows, func(rows *sql.Rows) error {
		var entityID string
		var spec study.VariableSpec
		var parentID, displayType, dataShape, vocabulary, units, rangeMin, rangeMax, binWidth, binUnits sql.NullString
		var precision sql.NullInt64

		err := rows.Scan(
			&entityID, &spec.ID, &parentID, &spec.DisplayName, &displayType, &spec.Type, &dataShape,
			&vocabulary, &spec.IsMultiValued, &spec.HasStudyDependentVocabulary, &units, &precision,
			&rangeMin, &rangeMax, &binWidth, &binUnits,
		)
		if err != nil {
			return err
		}

		spec.ParentID = parentID.String
		spec.DisplayType = displayType.String
		spec.DataShape = study.DataShape(dataShape.String)
		spec.Units = units.String
		spec.Precision = int(precision.Int64)
		spec.DisplayRangeMin = rangeMin.String
		spec.DisplayRangeMax = rangeMax.String
		spec.BinWidth = binWidth.String
		spec.BinUnits = study.BinUnits(binUnits.String)
		if vocabulary.Valid && vocabulary.String != "" {
			if err := json.Unmarshal([]byte(vocabulary.String), &spec.Vocabulary); err != nil {
				return fmt.Errorf("variable %s has an invalid vocabulary: %w", spec.ID, err)
			}
		}

		e, ok := entities[entityID]
		if !ok {
			return fmt.Errorf("variable %s references unknown entity %s", spec.ID, entityID)
		}
		v, err := spec.Build(entityID)
		if err != nil {
			return err
		}
		e.Variables = append(e.Variables, v)
		return nil
	})
	if err != nil {
		return d.handleSQLError(err)
	}
	return nil
}

func (d *Datastore) loadCollections(ctx context.Context, sourceType study.SourceType, studyID string, entities map[string]*study.Entity) error {
	rows, err := d.stbl.
		Select("entity_id", "collection_id", "display_name", "member_variable_ids").
		From(d.table(sourceType, "collections")).
		Where(sq.Eq{"study_id": studyID}).
		OrderBy("entity_id", "ordinal").
		QueryContext(ctx)
	if err != nil {
		return d.handleSQLError(err)
	}

	err = scanRows(rows, func(rows *sql.Rows) error {
		var entityID, members string
		var c study.Collection
		if err := rows.Scan(&entityID, &c.ID, &c.DisplayName, &members); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(members), &c.MemberVariableIDs); err != nil {
			return fmt.Errorf("collection %s has invalid members: %w", c.ID, err)
		}

		e, ok := entities[entityID]
		if !ok {
			return fmt.Errorf("collection %s references unknown entity %s", c.ID, entityID)
		}
		e.Collections = append(e.Collections, c)
		return nil
	})
	if err != nil {
		return d.handleSQLError(err)
	}
	return nil
}

// scanRows calls fn for every row and closes rows.
func scanRows(rows *sql.Rows, fn func(*sql.Rows) error) error {
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
