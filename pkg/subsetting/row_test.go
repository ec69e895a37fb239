package subsetting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

func TestRowEncodesMultiValuedVariables(t *testing.T) {
	s := studies.Household(t)
	target, ok := s.Entity("sample")
	require.True(t, ok)
	result, err := target.ValueVariable("result")
	require.NoError(t, err)

	q := &storage.SubsetQuery{Study: s, Target: target, Variables: []study.ValueVariable{result}}

	values := []string{`say "hi"`, "tab\there", "line\nbreak", `back\slash`, "\x01", "ü"}
	out, err := row(q, study.Record{
		PK:          "SM9",
		AncestorPKs: []string{"H1"},
		Values:      map[string][]string{"result": values},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, []string{"SM9", "H1", ""}, out[:3])

	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(out[3]), &decoded))
	require.Equal(t, values, decoded)

	out, err = row(q, study.Record{PK: "SM10", AncestorPKs: []string{"H1", "P1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"SM10", "H1", "P1", ""}, out)
}
