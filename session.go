// Package gnode is the client of the G-Node electrophysiology data service.
// A Session pulls entities from the service into an on-disk cache, presents
// them as domain objects with lazy references and pushes local changes back,
// parents before children.
package gnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/cache"
	"github.com/i5heu/gnode/pkg/driver"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/logging"
	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/neo"
	"github.com/i5heu/gnode/pkg/remote"
	"github.com/i5heu/gnode/pkg/store"
	"github.com/i5heu/gnode/pkg/walk"
)

const arraysDir = "arrays"

// Session routes calls between the domain objects, the driver and the
// caching store. It is not safe for concurrent use.
type Session struct {
	cfg    Config
	log    *slog.Logger
	remote *remote.Remote
	cache  *cache.Cache
	arrays *arrays.Store
	store  *store.Store
	driver *driver.Driver

	closers []io.Closer
	closed  bool
}

type GetOptions struct {
	// Cached returns a cached copy without asking the service. By default a
	// cached copy is revalidated with a conditional request.
	Cached bool
	// Recursive also pulls everything below the entity into the cache.
	Recursive bool
}

type SetOptions struct {
	// Cascade pushes the whole tree below the object.
	Cascade bool
	// AvoidCollisions sends the cached version token; the service refuses
	// the write when the entity changed in the meantime.
	AvoidCollisions bool
	// Fail aborts a cascade on the first error instead of collecting.
	Fail bool
}

var (
	mainMu      sync.Mutex
	mainSession *Session
)

// Main returns the shared session, opening it with cfg on first use. Later
// calls ignore cfg and return the same session until it is closed.
func Main(ctx context.Context, cfg Config) (*Session, error) {
	mainMu.Lock()
	defer mainMu.Unlock()
	if mainSession != nil && !mainSession.closed {
		return mainSession, nil
	}
	s, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mainSession = s
	return s, nil
}

// Open authenticates against cfg.Location and opens the cache under
// cfg.CacheDir.
func Open(ctx context.Context, cfg Config) (s *Session, err error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s = &Session{cfg: cfg, log: cfg.Logger}
	defer func() {
		if err != nil {
			if s.remote != nil {
				s.remote.Close(ctx)
			}
			s.closeAll()
		}
	}()

	if s.log == nil {
		log, closer, err := logging.New(logging.Options{Level: cfg.Level(), Dir: cfg.LogDir})
		if err != nil {
			return nil, err
		}
		s.log = log
		s.closers = append(s.closers, closer)
	}

	s.cache, err = cache.Open(cache.Config{Dir: cfg.CacheDir, MinimumFreeMB: cfg.MinFreeMB, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.cache)
	if err := s.cache.ClearTemporary(); err != nil {
		s.log.Warn("could not drop temporary files", "error", err)
	}

	s.arrays, err = arrays.NewStore(arrays.Config{
		Dir:    filepath.Join(cfg.CacheDir, arraysDir),
		Index:  s.cache.Index(),
		Logger: s.log,
	})
	if err != nil {
		return nil, err
	}

	prompt := cfg.Prompt
	if prompt == nil {
		prompt = TerminalPrompt
	}
	s.remote, err = remote.New(remote.Config{
		BaseURL:   cfg.Location,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Prompt:    prompt,
		Timeout:   cfg.Timeout,
		Workers:   cfg.Workers,
		Retries:   cfg.Retries,
		Transport: cfg.Transport,
		Logger:    s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := s.remote.Login(ctx); err != nil {
		return nil, err
	}

	s.store, err = store.New(store.Config{Remote: s.remote, Cache: s.cache, Arrays: s.arrays, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.driver, err = driver.New(driver.Config{Store: s.store, Staging: s.arrays, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.log.Info("session opened", "server", s.remote.Base(), "cache", cfg.CacheDir)
	return s, nil
}

func (s *Session) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Close logs out and releases the cache. Calls after Close fail with
// fault.ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	mainMu.Lock()
	if mainSession == s {
		mainSession = nil
	}
	mainMu.Unlock()

	var errs []error
	if err := s.remote.Close(ctx); err != nil {
		if fault.IsOffline(err) {
			s.log.Warn("logout skipped, service unreachable", "error", err)
		} else {
			errs = append(errs, err)
		}
	}
	s.log.Info("session closed")
	errs = append(errs, s.closeAll())
	return errors.Join(errs...)
}

func (s *Session) check() error {
	if s.closed {
		return fault.ErrSessionClosed
	}
	return nil
}

func (s *Session) Config() Config { return s.cfg }

// Store exposes the caching store for entity level access.
func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Driver() *driver.Driver { return s.driver }

// Select lists entities of kind matching q as domain objects.
func (s *Session) Select(ctx context.Context, kind model.Kind, q remote.Query) ([]neo.Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ents, err := s.store.Select(ctx, kind, q)
	if err != nil {
		return nil, err
	}
	out := make([]neo.Object, 0, len(ents))
	for _, e := range ents {
		o, err := s.driver.ToDomain(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Get returns the entity at location as a domain object.
func (s *Session) Get(ctx context.Context, location string, opts GetOptions) (neo.Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, location, !opts.Cached, opts.Recursive)
	if err != nil {
		return nil, err
	}
	return s.driver.ToDomain(ctx, e)
}

// Resolve returns the cached or fetched object at location without
// revalidation.
func (s *Session) Resolve(ctx context.Context, location string) (neo.Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.driver.Resolve(ctx, location)
}

// Set saves obj and returns it with the assigned location pinned on. The
// returned object is obj itself, so references to it stay valid. Without
// Cascade every object obj references as parent or metadata must already be
// saved.
func (s *Session) Set(ctx context.Context, obj neo.Object, opts SetOptions) (neo.Object, error) {
	if opts.Cascade {
		if _, err := s.Push(ctx, obj, opts); err != nil {
			return nil, err
		}
		return obj, nil
	}
	if _, err := s.Save(ctx, obj, opts.AvoidCollisions); err != nil {
		return nil, err
	}
	return obj, nil
}

// Push saves obj and everything reachable through its child sets, parents
// before children. Nothing is rolled back when a save fails.
func (s *Session) Push(ctx context.Context, obj neo.Object, opts SetOptions) (walk.Result, error) {
	if err := s.check(); err != nil {
		return walk.Result{}, err
	}
	res, err := walk.Upload(ctx, s, obj, walk.Options{
		AvoidCollisions: opts.AvoidCollisions,
		Fail:            opts.Fail,
		Logger:          s.log,
	})
	s.log.Info("push finished", "root", obj.Location(), "saved", len(res.Saved),
		"deleted", len(res.Deleted), "errors", len(res.Errors))
	return res, err
}

// Save writes a single object and returns the persisted entity.
func (s *Session) Save(ctx context.Context, obj neo.Object, avoidCollisions bool) (*model.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	e, err := s.driver.ToSchema(obj)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.Set(ctx, e, avoidCollisions)
	if err != nil {
		return nil, err
	}
	obj.SetLocation(saved.Location())
	return saved, nil
}

// Delete removes obj from the service and the cache and clears its location.
func (s *Session) Delete(ctx context.Context, obj neo.Object) error {
	loc := obj.Location()
	if loc == "" {
		return fault.Invalid(string(obj.Kind()), "", "object was never saved")
	}
	if err := s.DeleteLocation(ctx, loc); err != nil {
		return err
	}
	obj.SetLocation("")
	return nil
}

func (s *Session) DeleteLocation(ctx context.Context, location string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.store.Delete(ctx, location)
}

// UploadFile stores data as a new datafile and returns its location.
func (s *Session) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	df, err := s.remote.SetFile(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return df.Location(), nil
}

// File returns the content of a datafile, from the cache when possible.
func (s *Session) File(ctx context.Context, location string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.store.GetFile(ctx, location)
}

func (s *Session) Permissions(ctx context.Context, location string) (*remote.ACL, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.remote.Permissions(ctx, location)
}

// SetPermissions replaces the ACL of location. Cascade applies it to the
// subtree; notify mails the users it adds.
func (s *Session) SetPermissions(ctx context.Context, location string, acl remote.ACL, cascade, notify bool) (*remote.ACL, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.remote.SetPermissions(ctx, location, acl, cascade, notify)
}

// ClearCache drops every cached snapshot, blob and staged array.
func (s *Session) ClearCache() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.store.Forget()
}
