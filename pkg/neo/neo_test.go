package neo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/gnode/pkg/model"
)

type mapResolver struct {
	objs  map[string]Object
	calls int
}

func (m *mapResolver) Resolve(_ context.Context, loc string) (Object, error) {
	m.calls++
	o, ok := m.objs[loc]
	if !ok {
		return nil, errors.New("not found")
	}
	return o, nil
}

func located[T Object](o T, loc string) T {
	o.SetLocation(loc)
	return o
}

func TestZeroRef(t *testing.T) {
	var r Ref[*Block]
	assert.True(t, r.IsZero())
	assert.Equal(t, "", r.Location())
	got, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRefResolvesOnceAndKeepsValue(t *testing.T) {
	b := located(&Block{}, "/electrophysiology/block/1")
	res := &mapResolver{objs: map[string]Object{b.Location(): b}}

	var r Ref[*Block]
	r.Defer(b.Location(), res)
	assert.False(t, r.IsResolved())
	assert.Equal(t, b.Location(), r.Location())

	for i := 0; i < 3; i++ {
		got, err := r.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, b, got)
	}
	assert.Equal(t, 1, res.calls)
}

func TestRefTypeMismatch(t *testing.T) {
	s := located(&Segment{}, "/electrophysiology/segment/1")
	res := &mapResolver{objs: map[string]Object{"/electrophysiology/block/1": s}}
	var r Ref[*Block]
	r.Defer("/electrophysiology/block/1", res)
	_, err := r.Get(context.Background())
	assert.Error(t, err)

	assert.Error(t, r.Assign(s))
	require.NoError(t, r.Assign(nil))
	assert.True(t, r.IsZero())
}

func TestRefWithoutResolver(t *testing.T) {
	var r Ref[*Block]
	r.Defer("/electrophysiology/block/1", nil)
	_, err := r.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestResolvedRefFollowsTargetLocation(t *testing.T) {
	b := &Block{}
	r := RefTo(b)
	assert.Equal(t, "", r.TargetLocation())
	b.SetLocation("http://host/electrophysiology/block/9/")
	assert.Equal(t, "/electrophysiology/block/9", r.TargetLocation())
}

func TestRefListAddRemove(t *testing.T) {
	var l RefList[*Segment]
	a, b := &Segment{}, &Segment{}
	l.Add(a, b, a)
	assert.Equal(t, 2, l.Len())
	assert.Len(t, l.Unsaved(), 2)
	assert.Empty(t, l.Locations())

	b.SetLocation("/electrophysiology/segment/5")
	assert.Equal(t, []string{"/electrophysiology/segment/5"}, l.Locations())
	assert.True(t, l.RemoveLocation("/electrophysiology/segment/5/"))
	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, 0, l.Len())
}

func TestRefListMaterializesLazily(t *testing.T) {
	p1 := located(&Property{Name: "temp"}, "/metadata/property/1")
	p2 := located(&Property{Name: "depth"}, "/metadata/property/2")
	res := &mapResolver{objs: map[string]Object{p1.Location(): p1, p2.Location(): p2}}

	var l RefList[*Property]
	l.Defer([]string{p1.Location(), p2.Location()}, res)
	assert.False(t, l.Loaded())
	assert.Empty(t, l.Pending())
	assert.Equal(t, 0, res.calls)

	got, ok, err := l.ByName(context.Background(), "depth")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, p2, got)

	names, err := l.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"temp", "depth"}, names)
	assert.True(t, l.Loaded())
	assert.Equal(t, 2, res.calls)
}

func TestBindingsCoverSchema(t *testing.T) {
	for _, k := range model.Kinds {
		o, err := New(k)
		require.NoError(t, err, k)
		s := model.SchemaOf(k)
		names := map[string]bool{}
		for _, b := range o.Bind() {
			_, ok := s.Field(b.Name)
			assert.True(t, ok, "%s binds unknown field %s", k, b.Name)
			names[b.Name] = true
		}
		for _, f := range s.Fields {
			assert.True(t, names[f.Name], "%s does not bind %s", k, f.Name)
		}
	}
}

func TestParentRefAndChildList(t *testing.T) {
	s := &Segment{}
	b := &Block{}
	ref, ok := ParentRef(s, model.KindBlock)
	require.True(t, ok)
	require.NoError(t, ref.Assign(b))
	got, err := s.Block.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, got)

	list, ok := ChildList(b, "segment_set")
	require.True(t, ok)
	require.NoError(t, list.Append(s))
	assert.Equal(t, 1, b.Segments.Len())
	assert.Error(t, list.Append(b))
}
