package testutil

import (
	"context"
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/gnode/internal/keyValStore"
	"github.com/i5heu/gnode/internal/testserver"
	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/cache"
	"github.com/i5heu/gnode/pkg/remote"
	"github.com/i5heu/gnode/pkg/store"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// Stack is a composite store wired to an in-memory service.
type Stack struct {
	Server *testserver.Server
	URL    string
	Remote *remote.Remote
	Cache  *cache.Cache
	Arrays *arrays.Store
	Store  *store.Store
}

// NewStack starts a test service and opens a logged in store against it.
// The request log is reset after login.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	srv := testserver.New()
	ts := srv.Start(t)
	s := &Stack{Server: srv, URL: ts.URL}
	s.open(t, t.TempDir())
	srv.Reset()
	return s
}

func (s *Stack) open(t *testing.T, dir string) {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	s.Cache, err = cache.Open(cache.Config{Dir: dir, Index: kv})
	require.NoError(t, err)
	s.Arrays, err = arrays.NewStore(arrays.Config{Dir: filepath.Join(dir, "arrays"), Index: kv})
	require.NoError(t, err)
	s.Remote, err = remote.New(remote.Config{
		BaseURL:  s.URL,
		Username: testserver.Username,
		Password: testserver.Password,
	})
	require.NoError(t, err)
	require.NoError(t, s.Remote.Login(context.Background()))
	t.Cleanup(func() { s.Remote.Close(context.Background()) })

	s.Store, err = store.New(store.Config{Remote: s.Remote, Cache: s.Cache, Arrays: s.Arrays})
	require.NoError(t, err)
}

// Offline points a fresh client at an address nobody listens on, keeping the
// cache and array store.
func (s *Stack) Offline(t *testing.T) *store.Store {
	t.Helper()
	r, err := remote.New(remote.Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	st, err := store.New(store.Config{Remote: r, Cache: s.Cache, Arrays: s.Arrays})
	require.NoError(t, err)
	return st
}
