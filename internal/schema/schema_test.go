package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const todoSchema = `
attribute: {
	"todo/title": {type: "value"}
	"todo/tags": {cardinality: "many", index: true}
	"todo/owner": {type: "ref"}
	"todo/parent": {type: "ref"}
	"todo/draft": {type: "value", transient: true}
}
entity: {
	"todo/Item": {required: ["todo/title", "todo/owner"]}
	"todo/User": {}
}
`

func TestBuiltin(t *testing.T) {
	reg := Builtin()

	uid, ok := reg.Attribute(AttrUID)
	require.True(t, ok)
	assert.True(t, uid.Unique)

	cache, ok := reg.Attribute(AttrViewQueryCache)
	require.True(t, ok)
	assert.True(t, cache.Transient, "opaque attributes are always transient")

	view, ok := reg.Type(TypeView)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{AttrViewVisible, AttrViewHidden}, view.Required)
	assert.True(t, IsBuiltin(AttrStorageKey))
}

func TestRegistryWith(t *testing.T) {
	base := Builtin()
	next, err := base.With([]Attribute{{Ident: "todo/title"}}, nil)
	require.NoError(t, err)

	_, ok := next.Attribute("todo/title")
	assert.True(t, ok)
	_, ok = base.Attribute("todo/title")
	assert.False(t, ok, "With must not mutate the receiver")
}

func TestRegistryWithErrors(t *testing.T) {
	tests := []struct {
		name  string
		attrs []Attribute
		types []EntityType
		code  ErrorCode
	}{
		{"bad ident", []Attribute{{Ident: "title"}}, nil, ErrCodeInvalidIdent},
		{"duplicate", []Attribute{{Ident: AttrUID}}, nil, ErrCodeDuplicate},
		{"unique many", []Attribute{{Ident: "a/b", Unique: true, Cardinality: Many}}, nil, ErrCodeInvalidAttribute},
		{"indexed opaque", []Attribute{{Ident: "a/b", Type: TypeOpaque, Index: true}}, nil, ErrCodeInvalidAttribute},
		{"unknown required", nil, []EntityType{{Ident: "a/T", Required: []string{"a/missing"}}}, ErrCodeUnknownAttribute},
		{"empty type", nil, []EntityType{{Ident: ""}}, ErrCodeInvalidIdent},
		{"type with space", nil, []EntityType{{Ident: "blog post"}}, ErrCodeInvalidIdent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Builtin().With(tt.attrs, tt.types)
			require.Error(t, err)
			assert.True(t, IsSchemaError(err, tt.code), "got %v", err)
		})
	}
}

func TestRegistryWith_BareTypeIdent(t *testing.T) {
	reg, err := Builtin().With(
		[]Attribute{{Ident: "person/name"}},
		[]EntityType{{Ident: "person", Required: []string{"person/name"}}},
	)
	require.NoError(t, err)

	person, ok := reg.Type("person")
	require.True(t, ok)
	assert.Equal(t, []string{"person/name"}, person.Required)
}

func TestCompileCUE(t *testing.T) {
	reg, err := CompileCUE("todo.cue", todoSchema)
	require.NoError(t, err)

	tags, ok := reg.Attribute("todo/tags")
	require.True(t, ok)
	assert.Equal(t, Many, tags.Cardinality)
	assert.True(t, tags.Index)

	owner, ok := reg.Attribute("todo/owner")
	require.True(t, ok)
	assert.True(t, owner.IsRef())

	draft, _ := reg.Attribute("todo/draft")
	assert.True(t, draft.Transient)

	item, ok := reg.Type("todo/Item")
	require.True(t, ok)
	assert.Equal(t, []string{"todo/owner"}, reg.RequiredRefs(item))
}

func TestCompileCUEErrors(t *testing.T) {
	_, err := CompileCUE("bad.cue", `attribute: "a/b": {type: "float"}`)
	require.Error(t, err)
	assert.True(t, IsSchemaError(err, ErrCodeInvalidAttribute))

	_, err = CompileCUE("syntax.cue", `attribute: {`)
	require.Error(t, err)
	assert.True(t, IsSchemaError(err, ErrCodeCUE))
}

func TestLoadDirCollectAll(t *testing.T) {
	dir := t.TempDir()
	src := `
attribute: {
	"a/good": {type: "value"}
	"a/bad1": {cardinality: "several"}
	"a/bad2": {type: "float"}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.cue"), []byte(src), 0o644))

	reg, errs := LoadDir(dir, LoadModeCollectAll)
	require.NotNil(t, reg)
	assert.Len(t, errs, 2)
	_, ok := reg.Attribute("a/good")
	assert.True(t, ok)

	reg, errs = LoadDir(dir, LoadModeFailFast)
	assert.Nil(t, reg)
	assert.Len(t, errs, 1)
}

func TestLoadDirMissing(t *testing.T) {
	_, errs := LoadDir(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.True(t, IsSchemaError(errs[0], ErrCodeNotFound))
}
