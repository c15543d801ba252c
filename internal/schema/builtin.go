package schema

// Built-in attribute idents.
const (
	AttrUID  = "kernel/uid"
	AttrType = "kernel/type"

	// AttrStorageKey tags which durable snapshots include an entity.
	AttrStorageKey = "storage/key"

	AttrViewVisible    = "view/visible"
	AttrViewHidden     = "view/hidden"
	AttrViewQueryCache = "view/query-cache"

	AttrSagaKernel = "saga/kernel"
	AttrSagaTask   = "saga/task"
	AttrSagaName   = "saga/name"
)

// Built-in entity types.
const (
	TypeView = "kernel/view"
	TypeSaga = "kernel/saga"
)

var builtin = func() *Registry {
	empty := &Registry{attrs: map[string]Attribute{}, types: map[string]EntityType{}}
	return empty.MustWith(
		[]Attribute{
			{Ident: AttrUID, Unique: true},
			{Ident: AttrType, Type: TypeTypeRef},
			{Ident: AttrStorageKey, Cardinality: Many, Index: true},
			{Ident: AttrViewVisible, Index: true},
			{Ident: AttrViewHidden, Index: true},
			{Ident: AttrViewQueryCache, Type: TypeOpaque},
			{Ident: AttrSagaKernel, Index: true},
			{Ident: AttrSagaTask, Unique: true},
			{Ident: AttrSagaName},
		},
		[]EntityType{
			{Ident: TypeView, Required: []string{AttrViewVisible, AttrViewHidden}},
			{Ident: TypeSaga, Required: []string{AttrSagaKernel, AttrSagaTask}},
		},
	)
}()

// IsBuiltin reports whether ident is a kernel attribute.
func IsBuiltin(ident string) bool {
	_, ok := builtin.attrs[ident]
	return ok
}
