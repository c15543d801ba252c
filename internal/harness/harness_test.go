package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notesSchema = `
attribute: "person/name": {type: "value"}
attribute: "note/title": {type: "value"}
attribute: "note/author": {type: "ref"}
attribute: "note/tags": {type: "value", cardinality: "many"}
`

func run(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func TestRun_NoteAndAuthorGolden(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/note_and_author.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))

	require.Len(t, result.Trace, 4)
	for i, st := range result.Trace {
		assert.Equal(t, i, st.Step)
		assert.Equal(t, int64(i+1), st.Seq, "each step commits one change")
	}
	assert.Equal(t, "n-1", result.Trace[1].UID)
	assert.Equal(t, 1, result.Trace[2].Facts)
}

func TestRun_UntagAndDelete(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/untag_and_delete.yaml")
	require.NoError(t, err)

	result := run(t, s)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.NotContains(t, string(result.Document), `"p-2"`, "untagged entity leaves the document")
	assert.NotContains(t, string(result.Document), `"note/author"`)
	assert.Contains(t, string(result.Document), `"n-1"`)
}

func TestRun_FailedAssertionsReportFacts(t *testing.T) {
	s := &Scenario{
		Name:        "failing",
		Description: "d",
		Schema:      notesSchema,
		Steps: []Step{
			{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/title": "Hello"}}},
		},
		Assertions: []Assertion{
			{Type: AssertFact, Entity: "n-1", Attr: "note/title", Value: "Goodbye"},
			{Type: AssertMissing, Entity: "n-1"},
			{Type: AssertExists, Entity: "ghost"},
			{Type: AssertCount, EntityType: "note", Count: 2},
		},
	}
	result := run(t, s)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "n-1 holds note/title = Goodbye")
	assert.Contains(t, result.Errors[0], `note/title = "Hello"`)
	assert.Contains(t, result.Errors[1], "entity exists")
	assert.Contains(t, result.Errors[2], "not found")
	assert.Contains(t, result.Errors[3], "2 entities of type note")
}

func TestRun_ManyValues(t *testing.T) {
	s := &Scenario{
		Name:        "tags",
		Description: "d",
		Schema:      notesSchema,
		Steps: []Step{
			{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/tags": []any{"a", "b"}}}},
			{Retract: &FactStep{Entity: "n-1", Attr: "note/tags", Value: "a"}},
		},
		RoundTrip: true,
		Assertions: []Assertion{
			{Type: AssertFact, Entity: "n-1", Attr: "note/tags", Value: "b"},
			{Type: AssertAbsent, Entity: "n-1", Attr: "note/tags", Value: "a"},
		},
	}
	result := run(t, s)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_RetractAttributeWithoutValue(t *testing.T) {
	s := &Scenario{
		Name:        "retract_all",
		Description: "d",
		Schema:      notesSchema,
		Steps: []Step{
			{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/title": "Hello", "note/tags": []any{"a", "b"}}}},
			{Retract: &FactStep{Entity: "n-1", Attr: "note/tags"}},
		},
		Assertions: []Assertion{
			{Type: AssertAbsent, Entity: "n-1", Attr: "note/tags"},
			{Type: AssertFact, Entity: "n-1", Attr: "note/title"},
		},
	}
	result := run(t, s)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, 2, result.Trace[1].Facts)
}

func TestRun_ExpectError(t *testing.T) {
	s := &Scenario{
		Name:        "expect_error",
		Description: "d",
		Schema:      notesSchema,
		Steps: []Step{
			{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/title": "Hello"}}},
			{Create: &CreateStep{UID: "n-1"}, ExpectError: "already exists"},
			{Add: &FactStep{Entity: "n-1", Attr: "note/author", Value: "ghost"}, ExpectError: `unknown entity "ghost"`},
			{Add: &FactStep{Entity: "n-1", Attr: "note/rating", Value: 3}, ExpectError: `unknown attribute "note/rating"`},
		},
		Assertions: []Assertion{{Type: AssertExists, Entity: "n-1"}},
	}
	result := run(t, s)
	assert.True(t, result.Pass)
	require.Len(t, result.Trace, 4)
	assert.Zero(t, result.Trace[1].Seq, "failed change has no seq")
}

func TestRun_StepErrors(t *testing.T) {
	base := func(steps ...Step) *Scenario {
		return &Scenario{
			Name:        "errors",
			Description: "d",
			Schema:      notesSchema,
			Steps:       steps,
			Assertions:  []Assertion{{Type: AssertExists, Entity: "n-1"}},
		}
	}

	_, err := Run(context.Background(), base(Step{Delete: "ghost"}))
	assert.ErrorContains(t, err, `step 0 (delete ghost): unknown entity "ghost"`)

	_, err = Run(context.Background(), base(Step{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/title": 1.5}}}))
	assert.ErrorContains(t, err, "floats are forbidden")

	_, err = Run(context.Background(), base(
		Step{Create: &CreateStep{UID: "n-1", Attrs: map[string]any{"note/title": "Hello"}}},
		Step{Tag: "n-1", ExpectError: "boom"},
	))
	assert.ErrorContains(t, err, `expected error containing "boom", change committed`)
}

func TestRun_SchemaError(t *testing.T) {
	s := &Scenario{
		Name:        "bad_schema",
		Description: "d",
		Schema:      `attribute: "a/b": {type: "float"}`,
		Steps:       []Step{{Tag: "x"}},
		Assertions:  []Assertion{{Type: AssertExists, Entity: "x"}},
	}
	_, err := Run(context.Background(), s)
	assert.ErrorContains(t, err, "failed to compile schema")
}
