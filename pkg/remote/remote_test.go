package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/gnode/internal/testserver"
	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
)

func newRemote(t *testing.T) (*Remote, *testserver.Server) {
	t.Helper()
	srv := testserver.New()
	ts := srv.Start(t)
	r, err := New(Config{BaseURL: ts.URL, Username: testserver.Username, Password: testserver.Password})
	require.NoError(t, err)
	require.NoError(t, r.Login(context.Background()))
	t.Cleanup(func() { r.Close(context.Background()) })
	srv.Reset()
	return r, srv
}

func block(name string) *model.Entity {
	e, _ := model.NewEntity(model.KindBlock)
	e.MustSet("name", name)
	return e
}

func TestLoginFailures(t *testing.T) {
	srv := testserver.New()
	ts := srv.Start(t)

	r, err := New(Config{BaseURL: ts.URL, Username: testserver.Username, Password: "wrong"})
	require.NoError(t, err)
	assert.True(t, errors.Is(r.Login(context.Background()), fault.ErrAuth))

	r, err = New(Config{BaseURL: ts.URL, Username: testserver.Username})
	require.NoError(t, err)
	assert.True(t, errors.Is(r.Login(context.Background()), fault.ErrAuth))

	r, err = New(Config{BaseURL: ts.URL, Username: testserver.Username,
		Prompt: func(user string) (string, error) { return testserver.Password, nil }})
	require.NoError(t, err)
	assert.NoError(t, r.Login(context.Background()))
}

func TestUnauthenticatedIsUnauthorized(t *testing.T) {
	srv := testserver.New()
	ts := srv.Start(t)
	r, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)
	_, err = r.Select(context.Background(), model.KindBlock, Query{})
	assert.True(t, errors.Is(err, fault.ErrUnauthorized))

	var se *fault.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "authentication required", se.Message)
}

func TestCreateGetConditional(t *testing.T) {
	r, srv := newRemote(t)
	ctx := context.Background()

	saved, err := r.Set(ctx, block("b1"), false)
	require.NoError(t, err)
	require.True(t, saved.Persisted())
	require.NotEmpty(t, saved.GUID)

	got, err := r.Get(ctx, saved.Location(), "")
	require.NoError(t, err)
	assert.Equal(t, saved.GUID, got.GUID)
	assert.Equal(t, "b1", got.String("name"))

	_, err = r.Get(ctx, saved.Permalink, saved.GUID)
	assert.True(t, errors.Is(err, fault.ErrNotModified))

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, saved.GUID, reqs[2].IfNoneMatch)
	assert.Contains(t, reqs[0].Query, "m2m_append=0")
}

func TestSetWithIfMatch(t *testing.T) {
	r, srv := newRemote(t)
	ctx := context.Background()

	saved, err := r.Set(ctx, block("b1"), false)
	require.NoError(t, err)
	srv.Mutate(saved.Location(), func(e *model.Entity) { e.MustSet("description", "changed elsewhere") })

	saved.MustSet("name", "mine")
	_, err = r.Set(ctx, saved, true)
	assert.True(t, errors.Is(err, fault.ErrSyncConflict))
	var se *fault.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusPreconditionFailed, se.Code)

	onServer, _ := srv.Get(saved.Location())
	assert.Equal(t, "b1", onServer.String("name"))

	// without collision detection the write wins
	_, err = r.Set(ctx, saved, false)
	require.NoError(t, err)
	onServer, _ = srv.Get(saved.Location())
	assert.Equal(t, "mine", onServer.String("name"))
}

func TestSetRejectsMissingObligatory(t *testing.T) {
	r, srv := newRemote(t)
	e, _ := model.NewEntity(model.KindBlock)
	_, err := r.Set(context.Background(), e, false)
	assert.True(t, errors.Is(err, fault.ErrValidation))
	assert.Empty(t, srv.Requests())
}

func TestStatusTaxonomy(t *testing.T) {
	r, _ := newRemote(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "/electrophysiology/block/999", "")
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	seg, _ := model.NewEntity(model.KindSegment)
	seg.MustSet("name", "s").MustSet("block", "/electrophysiology/block/999")
	_, err = r.Set(ctx, seg, false)
	assert.True(t, errors.Is(err, fault.ErrBadRequest))
	var se *fault.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "parent does not exist", se.Message)
	assert.Equal(t, "/electrophysiology/block/999", se.Details)
}

func TestSelectFiltersAndPaging(t *testing.T) {
	r, srv := newRemote(t)
	ctx := context.Background()
	for _, n := range []string{"alpha", "beta", "Alphabet", "gamma"} {
		_, err := r.Set(ctx, block(n), false)
		require.NoError(t, err)
	}

	got, err := r.Select(ctx, model.KindBlock, Query{Filters: Filters{"name__icontains": "alpha"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.Select(ctx, model.KindBlock, Query{Filters: Filters{"name__in": []string{"beta", "gamma"}}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.Select(ctx, model.KindBlock, Query{MaxResults: 2, Offset: 1, Level: LevelInfo})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "beta", got[0].String("name"))

	last := srv.Requests()[len(srv.Requests())-1]
	assert.Contains(t, last.Query, "max_results=2")
	assert.Contains(t, last.Query, "offset=1")
	assert.Contains(t, last.Query, "q=info")
}

func TestSelectConditional(t *testing.T) {
	r, srv := newRemote(t)
	ctx := context.Background()
	_, err := r.Set(ctx, block("a"), false)
	require.NoError(t, err)

	ents, etag, err := r.SelectConditional(ctx, model.KindBlock, Query{}, "")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.NotEmpty(t, etag)

	_, _, err = r.SelectConditional(ctx, model.KindBlock, Query{}, etag)
	assert.True(t, errors.Is(err, fault.ErrNotModified))

	srv.Mutate(ents[0].Location(), func(e *model.Entity) { e.MustSet("name", "b") })
	ents, etag2, err := r.SelectConditional(ctx, model.KindBlock, Query{}, etag)
	require.NoError(t, err)
	assert.NotEqual(t, etag, etag2)
	assert.Equal(t, "b", ents[0].String("name"))
}

func TestTimeSliceOnlyForSignals(t *testing.T) {
	q := Query{Slice: &TimeSlice{StartTime: Float(0), Duration: Float(1.5), Downsample: Int(4)}}
	v := q.Values(model.KindAnalogSignal)
	assert.Equal(t, "0", v.Get("start_time"))
	assert.Equal(t, "1.5", v.Get("duration"))
	assert.Equal(t, "4", v.Get("downsample"))
	assert.Empty(t, v.Get("end_time"))

	assert.Empty(t, q.Values(model.KindBlock).Get("start_time"))
	assert.Equal(t, "/electrophysiology/block/", q.Key(model.KindBlock))

	k1 := Query{Filters: Filters{"a": 1, "b": true}}.Key(model.KindBlock)
	k2 := Query{Filters: Filters{"b": true, "a": 1}}.Key(model.KindBlock)
	assert.Equal(t, k1, k2)
	assert.Equal(t, "/electrophysiology/block/?a=1&b=True", k1)
}

func TestGetManyKeepsInputOrder(t *testing.T) {
	r, _ := newRemote(t)
	ctx := context.Background()

	var locs []string
	for i := 0; i < 25; i++ {
		saved, err := r.Set(ctx, block(strings.Repeat("x", i+1)), false)
		require.NoError(t, err)
		locs = append(locs, saved.Location())
	}
	// reverse so input order differs from id order
	for i, j := 0, len(locs)-1; i < j; i, j = i+1, j-1 {
		locs[i], locs[j] = locs[j], locs[i]
	}

	got, err := r.GetMany(ctx, locs)
	require.NoError(t, err)
	require.Len(t, got, len(locs))
	for i, e := range got {
		assert.Equal(t, locs[i], e.Location())
	}

	got, err = r.GetMany(ctx, []string{locs[0], "/electrophysiology/block/9999"})
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.NotNil(t, got[0])
	assert.Nil(t, got[1])
}

func TestFiles(t *testing.T) {
	r, _ := newRemote(t)
	ctx := context.Background()

	payload, err := arrays.Marshal(arrays.Dataset{Values: []float64{1, 2, 3}})
	require.NoError(t, err)
	df, err := r.SetFile(ctx, "signal.nda", payload)
	require.NoError(t, err)
	assert.Equal(t, model.KindDataFile, df.Kind)
	assert.Equal(t, "signal.nda", df.String("name"))

	data, err := r.GetFile(ctx, df.Permalink)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = r.GetFile(ctx, "/datafiles/datafile/9999")
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestDelete(t *testing.T) {
	r, srv := newRemote(t)
	ctx := context.Background()
	saved, err := r.Set(ctx, block("gone"), false)
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, saved.Location()))
	_, ok := srv.Get(saved.Location())
	assert.False(t, ok)
	assert.True(t, errors.Is(r.Delete(ctx, saved.Location()), fault.ErrNotFound))
}

func TestPermissions(t *testing.T) {
	r, _ := newRemote(t)
	ctx := context.Background()
	b, err := r.Set(ctx, block("b"), false)
	require.NoError(t, err)
	seg, _ := model.NewEntity(model.KindSegment)
	seg.MustSet("name", "s").MustSet("block", b)
	s, err := r.Set(ctx, seg, false)
	require.NoError(t, err)

	acl, err := r.Permissions(ctx, b.Location())
	require.NoError(t, err)
	assert.Equal(t, 3, acl.SafetyLevel)

	acl, err = r.SetPermissions(ctx, b.Location(), ACL{SafetyLevel: 2, SharedWith: map[string]int{"bob": 1}}, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, acl.SafetyLevel)

	child, err := r.Permissions(ctx, s.Location())
	require.NoError(t, err)
	assert.Equal(t, 2, child.SafetyLevel)
	assert.Equal(t, 1, child.SharedWith["bob"])

	_, err = r.SetPermissions(ctx, b.Location(), ACL{SafetyLevel: 7}, false, false)
	assert.True(t, errors.Is(err, fault.ErrBadRequest))
}

func TestBulkUpdate(t *testing.T) {
	r, _ := newRemote(t)
	ctx := context.Background()
	for _, n := range []string{"a1", "a2", "b1"} {
		_, err := r.Set(ctx, block(n), false)
		require.NoError(t, err)
	}
	updated, err := r.BulkUpdate(ctx, model.KindBlock, Query{Filters: Filters{"name__contains": "a"}},
		map[string]any{"description": "batch"})
	require.NoError(t, err)
	assert.Len(t, updated, 2)
	for _, e := range updated {
		assert.Equal(t, "batch", e.String("description"))
	}
}

func TestTransportErrorAndRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"selected":[]}`))
	}))
	r, err := New(Config{BaseURL: ts.URL, Retries: 2})
	require.NoError(t, err)
	ents, err := r.Select(context.Background(), model.KindBlock, Query{})
	require.NoError(t, err)
	assert.Empty(t, ents)
	assert.Equal(t, int32(3), calls.Load())

	ts.Close()
	_, err = r.Get(context.Background(), "/electrophysiology/block/1", "")
	assert.True(t, fault.IsOffline(err))
	var te *fault.TransportError
	assert.True(t, errors.As(err, &te))
}

func TestInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestServiceBelowPathPrefix(t *testing.T) {
	srv := testserver.New()
	srv.Prefix = "/data"
	ts := srv.Start(t)
	ctx := context.Background()
	r, err := New(Config{BaseURL: ts.URL + "/data/", Username: testserver.Username, Password: testserver.Password})
	require.NoError(t, err)
	require.NoError(t, r.Login(ctx))
	t.Cleanup(func() { r.Close(ctx) })

	b, err := r.Set(ctx, block("b"), false)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/data"+b.Loc().Path(), b.Permalink)

	seg, _ := model.NewEntity(model.KindSegment)
	seg.MustSet("name", "s").MustSet("block", b.Permalink)
	seg, err = r.Set(ctx, seg, false)
	require.NoError(t, err)
	assert.Equal(t, b.Location(), seg.Ref("block"))

	got, err := r.Get(ctx, seg.Permalink, "")
	require.NoError(t, err)
	assert.Equal(t, seg.Location(), got.Location())
	assert.Equal(t, []string{seg.Location()}, mustGet(t, r, b.Location()).RefList("segment_set"))
}

func mustGet(t *testing.T, r *Remote, loc string) *model.Entity {
	t.Helper()
	e, err := r.Get(context.Background(), loc, "")
	require.NoError(t, err)
	return e
}
