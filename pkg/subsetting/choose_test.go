package subsetting_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

// fakeChecker reports every artifact as present except the listed ones.
type fakeChecker struct {
	noStudy     bool
	noEntity    map[string]bool
	noIDMap     map[string]bool
	noAncestors map[string]bool
	noVariable  map[string]bool
}

func (f *fakeChecker) StudyHasFiles(string) bool { return !f.noStudy }

func (f *fakeChecker) EntityDirExists(_, entityID string) bool { return !f.noEntity[entityID] }

func (f *fakeChecker) IDMapFileExists(_, entityID string) bool { return !f.noIDMap[entityID] }

func (f *fakeChecker) AncestorFileExists(_, entityID string) bool { return !f.noAncestors[entityID] }

func (f *fakeChecker) VariableFileExists(_, entityID, variableID string) bool {
	return !f.noVariable[entityID+"."+variableID]
}

func TestChoose(t *testing.T) {
	s := studies.Household(t)
	person, _ := s.Entity("person")
	household, _ := s.Entity("household")

	age, err := person.ValueVariable("age")
	require.NoError(t, err)

	var wires filter.List
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["north"]}]`), &wires))
	filters, err := filter.Compile(s, wires)
	require.NoError(t, err)

	enabled := subsetting.ChoiceConfig{FileSubsettingEnabled: true}

	tests := []struct {
		name     string
		cfg      subsetting.ChoiceConfig
		checker  *fakeChecker
		target   *study.Entity
		expected subsetting.DataSource
	}{
		{name: "all_artifacts_present", cfg: enabled, checker: &fakeChecker{}, target: person, expected: subsetting.File},
		{name: "file_subsetting_disabled", cfg: subsetting.ChoiceConfig{}, checker: &fakeChecker{}, target: person, expected: subsetting.Database},
		{
			name:     "database_requested",
			cfg:      subsetting.ChoiceConfig{FileSubsettingEnabled: true, Requested: subsetting.Database},
			checker:  &fakeChecker{},
			target:   person,
			expected: subsetting.Database,
		},
		{
			name:     "file_requested",
			cfg:      subsetting.ChoiceConfig{FileSubsettingEnabled: true, Requested: subsetting.File},
			checker:  &fakeChecker{},
			target:   person,
			expected: subsetting.File,
		},
		{name: "no_study_directory", cfg: enabled, checker: &fakeChecker{noStudy: true}, target: person, expected: subsetting.Database},
		{name: "no_entity_directory", cfg: enabled, checker: &fakeChecker{noEntity: map[string]bool{"person": true}}, target: person, expected: subsetting.Database},
		{name: "no_id_map", cfg: enabled, checker: &fakeChecker{noIDMap: map[string]bool{"person": true}}, target: person, expected: subsetting.Database},
		{name: "no_ancestor_file", cfg: enabled, checker: &fakeChecker{noAncestors: map[string]bool{"person": true}}, target: person, expected: subsetting.Database},
		{
			name:     "root_needs_no_ancestor_file",
			cfg:      enabled,
			checker:  &fakeChecker{noAncestors: map[string]bool{"household": true}, noVariable: map[string]bool{"person.age": true}},
			target:   household,
			expected: subsetting.File,
		},
		{name: "no_output_variable_file", cfg: enabled, checker: &fakeChecker{noVariable: map[string]bool{"person.age": true}}, target: person, expected: subsetting.Database},
		{name: "no_filter_variable_file", cfg: enabled, checker: &fakeChecker{noVariable: map[string]bool{"household.region": true}}, target: person, expected: subsetting.Database},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var vars []study.ValueVariable
			if test.target == person {
				vars = []study.ValueVariable{age}
			}

			got := subsetting.Choose(context.Background(), test.cfg, test.checker, s, test.target, vars, filters)
			require.Equal(t, test.expected, got)

			// the choice depends on nothing but the checker's answers
			require.Equal(t, got, subsetting.Choose(context.Background(), test.cfg, test.checker, s, test.target, vars, filters))
		})
	}
}

func TestChooseWithoutChecker(t *testing.T) {
	s := studies.Household(t)
	person, _ := s.Entity("person")

	got := subsetting.Choose(context.Background(), subsetting.ChoiceConfig{FileSubsettingEnabled: true}, nil, s, person, nil, nil)
	require.Equal(t, subsetting.Database, got)
}
