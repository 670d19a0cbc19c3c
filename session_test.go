package gnode_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/gnode"
	"github.com/i5heu/gnode/internal/testserver"
	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/neo"
	"github.com/i5heu/gnode/pkg/remote"
	"github.com/i5heu/gnode/pkg/units"
)

var ctx = context.Background()

func testConfig(t *testing.T, url string) gnode.Config {
	t.Helper()
	cfg := gnode.DefaultConfig()
	cfg.Location = url
	cfg.Username = testserver.Username
	cfg.Password = testserver.Password
	cfg.CacheDir = t.TempDir()
	cfg.MinFreeMB = 1
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func open(t *testing.T) (*gnode.Session, *testserver.Server, *httptest.Server) {
	t.Helper()
	srv := testserver.New()
	ts := srv.Start(t)
	s, err := gnode.Open(ctx, testConfig(t, ts.URL))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(ctx) })
	srv.Reset()
	return s, srv, ts
}

func entity(kind model.Kind, fields map[string]any) *model.Entity {
	e, _ := model.NewEntity(kind)
	for k, v := range fields {
		e.MustSet(k, v)
	}
	return e
}

// entityPosts lists the paths of recorded entity writes, uploads excluded.
func entityPosts(srv *testserver.Server) []string {
	var out []string
	for _, r := range srv.Requests() {
		if r.Method == http.MethodPost && r.Path != "/datafiles/" {
			out = append(out, r.Path)
		}
	}
	return out
}

func TestFreshPullWithConditionalRefresh(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b42"}))
	loc := b.Location() + "/"

	first, err := s.Get(ctx, loc, gnode.GetOptions{})
	require.NoError(t, err)
	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Empty(t, reqs[0].IfNoneMatch)

	cached, err := s.Store().Get(ctx, loc, false, false)
	require.NoError(t, err)
	assert.Equal(t, b.GUID, cached.GUID)

	srv.Reset()
	second, err := s.Get(ctx, loc, gnode.GetOptions{})
	require.NoError(t, err)
	reqs = srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, b.GUID, reqs[0].IfNoneMatch)
	assert.Equal(t, first, second)
	assert.Equal(t, b.Location(), second.Location())
}

func TestRecursivePrefetch(t *testing.T) {
	s, srv, _ := open(t)
	data, err := arrays.Marshal(arrays.Dataset{Name: arrays.DefaultName, Values: []float64{1, 2, 3}})
	require.NoError(t, err)
	file, err := s.UploadFile(ctx, "signal.nda", data)
	require.NoError(t, err)

	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	locs := []string{b.Location()}
	for i := 0; i < 3; i++ {
		seg := srv.Put(entity(model.KindSegment, map[string]any{"name": "s", "block": b.Location()}))
		locs = append(locs, seg.Location())
		for j := 0; j < 2; j++ {
			sig := srv.Put(entity(model.KindAnalogSignal, map[string]any{
				"signal":        model.ArrayRef{Data: file, Units: "mV"},
				"sampling_rate": units.Q(1, "kHz"),
				"t_start":       units.Q(0, "s"),
				"segment":       seg.Location(),
			}))
			locs = append(locs, sig.Location())
		}
	}
	srv.Reset()

	_, err = s.Get(ctx, b.Location(), gnode.GetOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 10, srv.Count(http.MethodGet, "/electrophysiology/"))

	srv.Reset()
	for _, loc := range locs {
		o, err := s.Get(ctx, loc, gnode.GetOptions{Cached: true})
		require.NoError(t, err)
		if sig, ok := o.(*neo.AnalogSignal); ok {
			assert.Equal(t, []float64{1, 2, 3}, sig.Signal.Values)
		}
	}
	assert.Empty(t, srv.Requests(), "everything below the block is cached")
}

func newTree(n int) (*neo.Block, *neo.Segment, *neo.AnalogSignal) {
	b := &neo.Block{}
	b.Name = "b"
	seg := &neo.Segment{}
	seg.Name = "s"
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i) / 10
	}
	sig := &neo.AnalogSignal{
		Signal:       units.A("mV", values...),
		SamplingRate: units.Q(1000, "Hz"),
		TStart:       units.Q(0, "s"),
	}
	b.Segments.Add(seg)
	seg.AnalogSignals.Add(sig)
	return b, seg, sig
}

func TestPushTreeWithArrays(t *testing.T) {
	s, srv, _ := open(t)
	b, seg, sig := newTree(100)

	push(t, s, b)

	assert.Equal(t, 1, srv.Count(http.MethodPost, "/datafiles/"))
	assert.Equal(t, []string{
		model.CollectionPath(model.KindBlock),
		model.CollectionPath(model.KindSegment),
		model.CollectionPath(model.KindAnalogSignal),
	}, entityPosts(srv))

	require.NotEmpty(t, sig.Location())
	assert.Equal(t, seg.Location(), sig.Segment.Location())
	storedSig, ok := srv.Get(sig.Location())
	require.True(t, ok)
	assert.Equal(t, seg.Location(), storedSig.Ref("segment"))
	storedSeg, ok := srv.Get(seg.Location())
	require.True(t, ok)
	assert.Equal(t, b.Location(), storedSeg.Ref("block"))

	srv.Reset()
	for _, loc := range []string{b.Location(), seg.Location(), sig.Location()} {
		_, err := s.Get(ctx, loc, gnode.GetOptions{Cached: true})
		require.NoError(t, err)
	}
	assert.Empty(t, srv.Requests(), "pushed tree is cached")
}

func TestPushUploadsOnlyDirtyArrays(t *testing.T) {
	s, srv, _ := open(t)
	b, seg, sig := newTree(100)
	push(t, s, b)
	locs := []string{b.Location(), seg.Location(), sig.Location()}

	srv.Reset()
	push(t, s, b)
	assert.Empty(t, srv.Requests(), "unchanged tree is not written")

	require.NoError(t, sig.Signal.Offset(units.Q(1, "mV")))
	srv.Reset()
	push(t, s, b)
	assert.Equal(t, 1, srv.Count(http.MethodPost, "/datafiles/"))
	assert.Equal(t, []string{model.MustLocation(sig.Location()).Path()}, entityPosts(srv))
	assert.Equal(t, locs, []string{b.Location(), seg.Location(), sig.Location()}, "locations are stable")

	o, err := s.Get(ctx, sig.Location(), gnode.GetOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, o.(*neo.AnalogSignal).Signal.Values[0], 1e-9)
}

func TestConflictKeepsBothSides(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	g1 := b.GUID

	o, err := s.Get(ctx, b.Location(), gnode.GetOptions{})
	require.NoError(t, err)
	srv.Mutate(b.Location(), func(e *model.Entity) { e.MustSet("description", "changed elsewhere") })
	g2 := mustServer(t, srv, b.Location()).GUID
	require.NotEqual(t, g1, g2)

	blk := o.(*neo.Block)
	blk.Name = "renamed"
	_, err = s.Set(ctx, blk, gnode.SetOptions{AvoidCollisions: true})
	assert.ErrorIs(t, err, fault.ErrSyncConflict)
	var se *fault.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusPreconditionFailed, se.Code)

	cached, err := s.Store().Get(ctx, b.Location(), false, false)
	require.NoError(t, err)
	assert.Equal(t, g1, cached.GUID)
	assert.Equal(t, "b", cached.String("name"))

	server := mustServer(t, srv, b.Location())
	assert.Equal(t, g2, server.GUID)
	assert.Equal(t, "b", server.String("name"))
	assert.Equal(t, b.Location(), blk.Location())
}

func push(t *testing.T, s *gnode.Session, obj neo.Object) {
	t.Helper()
	got, err := s.Set(ctx, obj, gnode.SetOptions{Cascade: true, Fail: true})
	require.NoError(t, err)
	require.Same(t, obj, got)
}

func mustServer(t *testing.T, srv *testserver.Server, loc string) *model.Entity {
	t.Helper()
	e, ok := srv.Get(loc)
	require.True(t, ok)
	return e
}

func TestOfflineDegradation(t *testing.T) {
	s, srv, ts := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	_, err := s.Get(ctx, b.Location(), gnode.GetOptions{Recursive: true})
	require.NoError(t, err)
	ts.Close()

	o, err := s.Get(ctx, b.Location(), gnode.GetOptions{})
	require.NoError(t, err)
	blk := o.(*neo.Block)
	assert.Equal(t, "b", blk.Name)

	blk.Name = "offline edit"
	_, err = s.Set(ctx, blk, gnode.SetOptions{})
	assert.ErrorIs(t, err, fault.ErrTransport)
	assert.True(t, fault.IsOffline(err))

	cached, err := s.Store().Get(ctx, b.Location(), false, false)
	require.NoError(t, err)
	assert.Equal(t, "b", cached.String("name"))
	assert.Equal(t, b.GUID, cached.GUID)
}

func TestParentProxyMatchesDirectGet(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	seg := srv.Put(entity(model.KindSegment, map[string]any{"name": "s", "block": b.Location()}))

	o, err := s.Get(ctx, seg.Location(), gnode.GetOptions{})
	require.NoError(t, err)
	viaProxy, err := o.(*neo.Segment).Block.Get(ctx)
	require.NoError(t, err)
	direct, err := s.Get(ctx, b.Location(), gnode.GetOptions{Cached: true})
	require.NoError(t, err)
	assert.Equal(t, direct, neo.Object(viaProxy))
	assert.IsType(t, &neo.Block{}, direct)
}

func TestSelectReturnsDomainObjects(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	srv.Put(entity(model.KindSegment, map[string]any{"name": "s1", "block": b.Location()}))
	srv.Put(entity(model.KindSegment, map[string]any{"name": "s2", "block": b.Location()}))

	got, err := s.Select(ctx, model.KindSegment, remote.Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	var names []string
	for _, o := range got {
		names = append(names, o.(*neo.Segment).Name)
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, names)
}

func TestSetWithoutCascadeNeedsSavedParent(t *testing.T) {
	s, srv, _ := open(t)
	_, seg, _ := newTree(3)
	seg.Block.Set(&neo.Block{})
	_, err := s.Set(ctx, seg, gnode.SetOptions{})
	assert.ErrorIs(t, err, fault.ErrDependency)
	assert.Empty(t, srv.Requests())
	assert.Empty(t, seg.Location())
}

func TestDelete(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	o, err := s.Get(ctx, b.Location(), gnode.GetOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, o))
	assert.Empty(t, o.Location())
	_, ok := srv.Get(b.Location())
	assert.False(t, ok)
	_, err = s.Get(ctx, b.Location(), gnode.GetOptions{})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, o), fault.ErrValidation)
}

func TestPermissions(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))

	acl, err := s.SetPermissions(ctx, b.Location(), remote.ACL{SafetyLevel: 2, SharedWith: map[string]int{"bob": 1}}, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, acl.SafetyLevel)

	got, err := s.Permissions(ctx, b.Location())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bob": 1}, got.SharedWith)
}

func TestMainSessionIsShared(t *testing.T) {
	srv := testserver.New()
	ts := srv.Start(t)
	cfg := testConfig(t, ts.URL)

	a, err := gnode.Main(ctx, cfg)
	require.NoError(t, err)
	b, err := gnode.Main(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, srv.Count(http.MethodPost, "/account/authenticate/"))

	require.NoError(t, a.Close(ctx))
	_, err = a.Get(ctx, "/electrophysiology/block/1", gnode.GetOptions{})
	assert.ErrorIs(t, err, fault.ErrSessionClosed)

	c, err := gnode.Main(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(ctx) })
	assert.NotSame(t, a, c)
}

func TestOpenAuthentication(t *testing.T) {
	srv := testserver.New()
	ts := srv.Start(t)

	cfg := testConfig(t, ts.URL)
	cfg.Password = "wrong"
	_, err := gnode.Open(ctx, cfg)
	assert.ErrorIs(t, err, fault.ErrAuth)

	cfg = testConfig(t, ts.URL)
	cfg.Password = ""
	asked := ""
	cfg.Prompt = func(user string) (string, error) {
		asked = user
		return testserver.Password, nil
	}
	s, err := gnode.Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Equal(t, testserver.Username, asked)
}

func TestPushKeepsChildrenAddedElsewhere(t *testing.T) {
	s, srv, _ := open(t)
	b := srv.Put(entity(model.KindBlock, map[string]any{"name": "b"}))
	segEnt := srv.Put(entity(model.KindSegment, map[string]any{"name": "s", "block": b.Location()}))

	o, err := s.Get(ctx, segEnt.Location(), gnode.GetOptions{})
	require.NoError(t, err)
	seg := o.(*neo.Segment)

	sig := &neo.AnalogSignal{
		Signal:       units.A("mV", 1, 2, 3),
		SamplingRate: units.Q(1000, "Hz"),
		TStart:       units.Q(0, "s"),
	}
	sig.Segment.Set(seg)
	saved, err := s.Set(ctx, sig, gnode.SetOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, saved.Location())

	seg.Name = "renamed"
	res, err := s.Push(ctx, seg, gnode.SetOptions{Fail: true})
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	_, ok := srv.Get(sig.Location())
	assert.True(t, ok)
	assert.Equal(t, "renamed", mustServer(t, srv, seg.Location()).String("name"))
}

func TestSaveZeroMetadataValue(t *testing.T) {
	s, srv, _ := open(t)
	sec := &neo.Section{Name: "rec", Type: "recording"}
	prop := &neo.Property{Name: "offset"}
	prop.Section.Set(sec)
	val := &neo.Value{Data: 0}
	val.Property.Set(prop)
	prop.Values.Add(val)
	sec.Properties.Add(prop)

	push(t, s, sec)
	require.NotEmpty(t, val.Location())
	assert.EqualValues(t, 0, mustServer(t, srv, val.Location()).Get("value"))
}
