package subsetting

import (
	"context"

	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/study"
)

// ChoiceConfig holds the inputs of Choose that do not come from the study model.
type ChoiceConfig struct {
	// FileSubsettingEnabled switches the file backend on for the whole process.
	FileSubsettingEnabled bool

	// Requested is the data source asked for by the client, empty if none.
	Requested DataSource

	Logger logger.Logger
}

// Choose picks the backend for a request. The file backend is chosen only if it is enabled,
// not overridden by the client, and every artifact the request reads exists. The first failed
// check is logged and falls back to the database.
func Choose(
	ctx context.Context,
	cfg ChoiceConfig,
	checker binaryfiles.Checker,
	s *study.Study,
	target *study.Entity,
	vars []study.ValueVariable,
	filters []filter.Filter,
) DataSource {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	fallback := func(reason string, fields ...zap.Field) DataSource {
		fields = append(fields, zap.String("study_id", s.ID), zap.String("reason", reason))
		log.DebugWithContext(ctx, "using database backend", fields...)
		return Database
	}

	switch {
	case !cfg.FileSubsettingEnabled || checker == nil:
		return fallback("file subsetting disabled")
	case cfg.Requested == Database:
		return fallback("database requested")
	case !checker.StudyHasFiles(s.ID):
		return fallback("no study directory")
	case !checker.EntityDirExists(s.ID, target.ID):
		return fallback("no entity directory", zap.String("entity_id", target.ID))
	case !checker.IDMapFileExists(s.ID, target.ID):
		return fallback("no id map", zap.String("entity_id", target.ID))
	case len(s.Ancestors(target.ID)) > 0 && !checker.AncestorFileExists(s.ID, target.ID):
		return fallback("no ancestor file", zap.String("entity_id", target.ID))
	}

	for _, v := range vars {
		if !checker.VariableFileExists(s.ID, target.ID, v.Base().ID) {
			return fallback("no output variable file", zap.String("entity_id", target.ID), zap.String("variable_id", v.Base().ID))
		}
	}

	for _, f := range filters {
		for _, v := range f.Variables() {
			b := v.Base()
			if !checker.VariableFileExists(s.ID, b.EntityID, b.ID) {
				return fallback("no filter variable file", zap.String("entity_id", b.EntityID), zap.String("variable_id", b.ID))
			}
		}
	}

	return File
}
