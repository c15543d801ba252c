package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/vclock"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry([]schema.Attribute{
		{Ident: "todo/title"},
		{Ident: "todo/tags", Cardinality: schema.Many, Index: true},
		{Ident: "todo/owner", Type: schema.TypeRef},
		{Ident: "todo/slug", Unique: true},
	}, nil)
	require.NoError(t, err)
	return reg
}

func mustApply(t *testing.T, m *MutableDB, instrs ...Instruction) {
	t.Helper()
	for _, in := range instrs {
		_, err := m.Apply(in)
		require.NoError(t, err, in.String())
	}
}

func TestQueriesOverCommittedSnapshot(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	user := m.NewID(ir.PartitionShared)
	item := m.NewID(ir.PartitionDefault)
	mustApply(t, m,
		Add{E: user, A: schema.AttrUID, V: ir.String("u1")},
		Add{E: item, A: "todo/title", V: ir.String("milk")},
		Add{E: item, A: "todo/tags", V: ir.String("shop")},
		Add{E: item, A: "todo/tags", V: ir.String("home")},
		Add{E: item, A: "todo/owner", V: ir.Ref(user)},
	)
	snap, novelty := m.Commit(1, vclock.Clock{"k": 1})
	require.Len(t, novelty, 5)

	assert.Len(t, snap.All(), 5)
	assert.Len(t, snap.Column("todo/tags"), 2)
	assert.Equal(t, []ir.EID{item}, snap.LookupMany("todo/tags", ir.String("shop")))
	assert.Equal(t, []ir.EID{item}, snap.LookupMany("todo/title", ir.String("milk")), "column fallback for unindexed attrs")

	found, ok := EntityByUID(snap, "u1")
	require.True(t, ok)
	assert.Equal(t, user, found)

	refs, err := snap.RefsTo(user)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, item, refs[0].E)

	ok, err = snap.Contains(item, "todo/tags", ir.String("home"))
	require.NoError(t, err)
	assert.True(t, ok)

	v, ok, err := snap.GetOne(item, "todo/title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("milk"), v)

	tags, err := snap.GetMany(item, "todo/tags")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ir.Value{ir.String("shop"), ir.String("home")}, tags)

	assert.Equal(t, int64(1), snap.Seq())
	assert.Equal(t, uint64(1), snap.Clock().Get("k"))
}

func TestPartitionRestriction(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	hidden := m.NewID(ir.PartitionFrontend)
	shared := m.NewID(ir.PartitionShared)
	mustApply(t, m,
		Add{E: hidden, A: "todo/title", V: ir.String("secret")},
		Add{E: shared, A: "todo/title", V: ir.String("open")},
		Add{E: shared, A: "todo/owner", V: ir.Ref(hidden)},
	)
	snap, _ := m.Commit(1, nil)

	q := snap.Restrict(ir.PartitionSet(ir.PartitionShared, ir.PartitionDefault))

	_, err := q.Entity(hidden)
	require.Error(t, err)
	assert.True(t, IsPartitionViolation(err))
	assert.Contains(t, err.Error(), "attempted to query hidden partition")

	_, _, err = q.GetOne(hidden, "todo/title")
	assert.True(t, IsPartitionViolation(err))
	_, err = q.RefsTo(hidden)
	assert.True(t, IsPartitionViolation(err))

	// Scans filter instead of failing.
	assert.Len(t, q.Column("todo/title"), 1)

	// The same query straight on the snapshot succeeds.
	datoms, err := snap.Entity(hidden)
	require.NoError(t, err)
	assert.Len(t, datoms, 1)

	narrowed := q.Restrict(ir.PartitionSet(ir.PartitionDefault))
	_, err = narrowed.Entity(shared)
	assert.True(t, IsPartitionViolation(err))

	widened := narrowed.Substitute(nil)
	_, err = widened.Entity(hidden)
	assert.NoError(t, err)
}

func TestCardinalityOneReplaces(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	e := m.NewID(ir.PartitionDefault)
	mustApply(t, m, Add{E: e, A: "todo/title", V: ir.String("a")})

	novelty, err := m.Apply(Add{E: e, A: "todo/title", V: ir.String("b")})
	require.NoError(t, err)
	assert.Equal(t, ir.Novelty{
		{E: e, A: "todo/title", V: ir.String("a"), Added: false},
		{E: e, A: "todo/title", V: ir.String("b"), Added: true},
	}, novelty)

	novelty, err = m.Apply(Add{E: e, A: "todo/title", V: ir.String("b")})
	require.NoError(t, err)
	assert.Empty(t, novelty, "re-adding the same value is a no-op")
}

func TestMutationErrors(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	a := m.NewID(ir.PartitionDefault)
	b := m.NewID(ir.PartitionDefault)
	mustApply(t, m, Add{E: a, A: "todo/slug", V: ir.String("x")})

	_, err := m.Apply(Add{E: b, A: "todo/slug", V: ir.String("x")})
	assert.True(t, IsMutationError(err, ErrCodeUniqueConflict))

	_, err = m.Apply(Add{E: a, A: "todo/missing", V: ir.Int(1)})
	assert.True(t, IsMutationError(err, ErrCodeUnknownAttribute))

	_, err = m.Apply(Add{E: a, A: "todo/owner", V: ir.String("not a ref")})
	assert.True(t, IsMutationError(err, ErrCodeTypeMismatch))

	_, err = m.Apply(Add{E: a, A: "todo/title", V: ir.Null{}})
	assert.True(t, IsMutationError(err, ErrCodeTypeMismatch))

	m.Commit(1, nil)
	_, err = m.Apply(Add{E: a, A: "todo/title", V: ir.String("late")})
	assert.True(t, IsMutationError(err, ErrCodeCommitted))
}

func TestRetractEntityRemovesIncomingRefs(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	user := m.NewID(ir.PartitionDefault)
	item := m.NewID(ir.PartitionDefault)
	mustApply(t, m,
		Add{E: user, A: "todo/title", V: ir.String("user")},
		Add{E: item, A: "todo/owner", V: ir.Ref(user)},
		Add{E: item, A: "todo/title", V: ir.String("item")},
	)

	novelty, err := m.Apply(RetractEntity{E: user})
	require.NoError(t, err)
	assert.Len(t, novelty, 2)

	snap, _ := m.Commit(1, nil)
	assert.False(t, Exists(snap, user))
	assert.True(t, Exists(snap, item))
	owner, _ := snap.GetMany(item, "todo/owner")
	assert.Empty(t, owner)
}

func TestRetractAttribute(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	e := m.NewID(ir.PartitionDefault)
	mustApply(t, m,
		Add{E: e, A: "todo/tags", V: ir.String("a")},
		Add{E: e, A: "todo/tags", V: ir.String("b")},
	)
	novelty, err := m.Apply(RetractAttribute{E: e, A: "todo/tags"})
	require.NoError(t, err)
	assert.Len(t, novelty, 2)

	novelty, err = m.Apply(Retract{E: e, A: "todo/tags", V: ir.String("a")})
	require.NoError(t, err)
	assert.Empty(t, novelty)
}

func TestSnapshotsNeverMutate(t *testing.T) {
	s0 := Empty(testRegistry(t))
	m := s0.Mutable()
	e := m.NewID(ir.PartitionDefault)
	mustApply(t, m, Add{E: e, A: "todo/title", V: ir.String("v1")})
	s1, _ := m.Commit(1, nil)

	m2 := s1.Mutable()
	mustApply(t, m2, Add{E: e, A: "todo/title", V: ir.String("v2")})
	s2, _ := m2.Commit(2, nil)

	assert.Equal(t, 0, s0.Size())
	v1, _, _ := s1.GetOne(e, "todo/title")
	v2, _, _ := s2.GetOne(e, "todo/title")
	assert.Equal(t, ir.String("v1"), v1)
	assert.Equal(t, ir.String("v2"), v2)
}

func TestIdsAreNeverReused(t *testing.T) {
	m := Empty(testRegistry(t)).Mutable()
	a := m.NewID(ir.PartitionDefault)
	mustApply(t, m, Add{E: a, A: "todo/title", V: ir.String("x")}, RetractEntity{E: a})
	s, _ := m.Commit(1, nil)

	b := s.Mutable().NewID(ir.PartitionDefault)
	assert.NotEqual(t, a, b)
	assert.Equal(t, ir.PartitionDefault, b.Partition())
}

func TestQueryCacheInvalidation(t *testing.T) {
	e1 := ir.MakeEID(ir.PartitionDefault, 1)
	e2 := ir.MakeEID(ir.PartitionDefault, 2)

	c := NewQueryCache().
		Put("titles", CacheEntry{Value: 3, Attrs: []string{"todo/title"}}).
		Put("e2", CacheEntry{Value: "x", Entities: []ir.EID{e2}})
	require.Equal(t, 2, c.Len())

	same := c.Invalidate(nil)
	assert.Same(t, c, same)

	next := c.Invalidate(ir.Novelty{{E: e1, A: "todo/title", V: ir.String("t"), Added: true}})
	assert.Equal(t, 1, next.Len())
	_, ok := next.Get("titles")
	assert.False(t, ok)
	_, ok = c.Get("titles")
	assert.True(t, ok, "invalidation returns a new cache")

	calls := 0
	compute := func() int { calls++; return 42 }
	v, withMemo := Memo(next, "answer", CacheEntry{Attrs: []string{"todo/tags"}}, compute)
	assert.Equal(t, 42, v)
	v, _ = Memo(withMemo, "answer", CacheEntry{}, compute)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestMutationInvalidatesWorkingCache(t *testing.T) {
	s := Empty(testRegistry(t))
	m := s.Mutable()
	m.SetCache(m.Cache().Put("titles", CacheEntry{Value: 0, Attrs: []string{"todo/title"}}))

	e := m.NewID(ir.PartitionDefault)
	mustApply(t, m, Add{E: e, A: "todo/tags", V: ir.String("x")})
	assert.Equal(t, 1, m.Cache().Len())

	mustApply(t, m, Add{E: e, A: "todo/title", V: ir.String("x")})
	assert.Equal(t, 0, m.Cache().Len())

	committed, _ := m.Commit(1, nil)
	assert.Equal(t, 0, committed.Cache().Len())
}
