package subsetting

import (
	"strings"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
)

// MaxTabularColumns is the widest entity that can be paged or sorted.
const MaxTabularColumns = 1000

// DataSource names one of the two subset backends.
type DataSource string

const (
	File     DataSource = "file"
	Database DataSource = "database"
)

type HeaderFormat string

const (
	HeaderVariableID  HeaderFormat = "variableId"
	HeaderDisplayName HeaderFormat = "displayName"
)

type Paging struct {
	NumRows *int64 `json:"numRows,omitempty"`
	Offset  *int64 `json:"offset,omitempty"`
}

type SortSpec struct {
	Key       string `json:"key"`
	Direction string `json:"direction"`
}

// ReportConfig is the wire form of the tabular report options.
type ReportConfig struct {
	Paging               *Paging      `json:"paging,omitempty"`
	Sorting              []SortSpec   `json:"sorting,omitempty"`
	HeaderFormat         HeaderFormat `json:"headerFormat,omitempty"`
	TrimTimeFromDateVars *bool        `json:"trimTimeFromDateVars,omitempty"`
	DataSource           DataSource   `json:"dataSource,omitempty"`
}

// TabularRequest asks for the records of an entity that satisfy every filter.
type TabularRequest struct {
	StudyID           string        `json:"-"`
	EntityID          string        `json:"-"`
	Filters           filter.List   `json:"filters"`
	OutputVariableIDs []string      `json:"outputVariableIds"`
	ReportConfig      *ReportConfig `json:"reportConfig,omitempty"`
}

// CountRequest asks for the number of records of an entity that satisfy every filter.
type CountRequest struct {
	StudyID  string      `json:"-"`
	EntityID string      `json:"-"`
	Filters  filter.List `json:"filters"`
}

// TabularReportConfig is the validated form of a ReportConfig.
type TabularReportConfig struct {
	NumRows              *int64
	Offset               int64
	Sorting              []storage.SortKey
	HeaderFormat         HeaderFormat
	TrimTimeFromDateVars bool

	// DataSource is empty when the client expressed no preference.
	DataSource DataSource
}

// RequiresSorting reports whether rows must be ordered or windowed before they are emitted.
func (c *TabularReportConfig) RequiresSorting() bool {
	return len(c.Sorting) > 0 || c.NumRows != nil || c.Offset > 0
}

// NewTabularReportConfig validates the wire report options against the target entity. A nil
// config yields the defaults.
func NewTabularReportConfig(target *study.Entity, in *ReportConfig) (*TabularReportConfig, error) {
	cfg := &TabularReportConfig{HeaderFormat: HeaderVariableID}
	if in == nil {
		return cfg, nil
	}

	if in.Paging != nil {
		if n := in.Paging.NumRows; n != nil {
			if *n <= 0 {
				return nil, errors.Validationf("In paging config, numRows must a positive integer.")
			}
			numRows := *n
			cfg.NumRows = &numRows
		}
		if o := in.Paging.Offset; o != nil {
			if *o < 0 {
				return nil, errors.Validationf("In paging config, offset must a non-negative integer.")
			}
			cfg.Offset = *o
		}
	}

	for _, s := range in.Sorting {
		v, err := target.ValueVariable(s.Key)
		if err != nil {
			return nil, errors.With(err, errors.ErrValidation)
		}

		var direction storage.SortDirection
		switch strings.ToLower(s.Direction) {
		case "", "asc":
			direction = storage.Ascending
		case "desc":
			direction = storage.Descending
		default:
			return nil, errors.Validationf("Sort direction must be 'asc' or 'desc': %s", s.Direction)
		}
		cfg.Sorting = append(cfg.Sorting, storage.SortKey{Variable: v, Direction: direction})
	}

	switch in.HeaderFormat {
	case "":
	case HeaderVariableID, HeaderDisplayName:
		cfg.HeaderFormat = in.HeaderFormat
	default:
		return nil, errors.Validationf("Header format must be '%s' or '%s': %s", HeaderVariableID, HeaderDisplayName, in.HeaderFormat)
	}

	if in.TrimTimeFromDateVars != nil {
		cfg.TrimTimeFromDateVars = *in.TrimTimeFromDateVars
	}

	switch in.DataSource {
	case "", File, Database:
		cfg.DataSource = in.DataSource
	default:
		return nil, errors.Validationf("Data source must be '%s' or '%s': %s", File, Database, in.DataSource)
	}

	return cfg, nil
}

// outputVariables resolves the requested output columns on the target entity.
func outputVariables(target *study.Entity, ids []string) ([]study.ValueVariable, error) {
	vars := make([]study.ValueVariable, 0, len(ids))
	for _, id := range ids {
		v, err := target.ValueVariable(id)
		if err != nil {
			return nil, errors.With(err, errors.ErrValidation)
		}
		vars = append(vars, v)
	}
	return vars, nil
}

// checkColumnLimit rejects sorted or paged reports over entities too wide to be windowed.
func checkColumnLimit(target *study.Entity, cfg *TabularReportConfig) error {
	if cfg.RequiresSorting() && target.TotalColumns(len(target.Variables)) > MaxTabularColumns {
		return errors.Validationf("Tabular requests with paging/sorting are not supported on entities with >%d total columns", MaxTabularColumns)
	}
	return nil
}
