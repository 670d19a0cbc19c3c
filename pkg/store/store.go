// Package store composes the local cache with the remote service. Reads are
// served from snapshots and revalidated with conditional requests; writes go
// to the server first and are mirrored into the cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/cache"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/remote"
)

// Remote is the subset of the service client the store needs.
type Remote interface {
	SelectConditional(ctx context.Context, kind model.Kind, q remote.Query, etag string) ([]*model.Entity, string, error)
	Get(ctx context.Context, location, etag string) (*model.Entity, error)
	GetMany(ctx context.Context, locations []string) ([]*model.Entity, error)
	Set(ctx context.Context, e *model.Entity, avoidCollisions bool) (*model.Entity, error)
	Delete(ctx context.Context, location string) error
	GetFile(ctx context.Context, location string) ([]byte, error)
	SetFile(ctx context.Context, name string, data []byte) (*model.Entity, error)
}

type Config struct {
	Remote Remote
	Cache  *cache.Cache
	Arrays *arrays.Store
	Logger *slog.Logger
}

// Store is the caching composite of Remote, Cache and the local array store.
type Store struct {
	remote Remote
	cache  *cache.Cache
	arrays *arrays.Store
	log    *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Remote == nil || cfg.Cache == nil || cfg.Arrays == nil {
		return nil, errors.New("store: remote, cache and arrays are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{remote: cfg.Remote, cache: cfg.Cache, arrays: cfg.Arrays, log: cfg.Logger}, nil
}

// Get returns the entity at location.
//
// Without a cached snapshot the entity is fetched, its arrays are downloaded
// and both are cached. With a snapshot and refresh unset the snapshot is
// returned as is. With refresh set the snapshot's version is sent as
// If-None-Match: a 304 keeps it, a 200 replaces it. When the server cannot be
// reached the snapshot is served instead.
//
// recursive additionally pulls the whole subtree below location into the
// cache, fetching each location once.
func (s *Store) Get(ctx context.Context, location string, refresh, recursive bool) (*model.Entity, error) {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	e, err := s.get(ctx, loc.String(), refresh)
	if err != nil {
		return nil, err
	}
	if recursive {
		if err := s.pullTree(ctx, e); err != nil {
			return nil, err
		}
		// the pull may have unlinked vanished children
		if c, err := s.cache.Get(loc.String()); err == nil {
			e = c
		}
	}
	return e, nil
}

func (s *Store) get(ctx context.Context, location string, refresh bool) (*model.Entity, error) {
	cached, err := s.cache.Get(location)
	switch {
	case errors.Is(err, fault.ErrCacheMiss):
		return s.fetch(ctx, location)
	case err != nil:
		return nil, err
	case !refresh:
		return cached, nil
	}

	fresh, err := s.remote.Get(ctx, location, cached.GUID)
	switch {
	case errors.Is(err, fault.ErrNotModified):
		return cached, nil
	case fault.IsOffline(err):
		s.log.Warn("server unreachable, serving cached snapshot", "location", location, "error", err)
		return cached, nil
	case errors.Is(err, fault.ErrNotFound):
		if derr := s.cache.Delete(location); derr != nil {
			s.log.Warn("dropping stale snapshot failed", "location", location, "error", derr)
		}
		return nil, err
	case err != nil:
		return nil, err
	}
	if err := s.keep(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *Store) fetch(ctx context.Context, location string) (*model.Entity, error) {
	e, err := s.remote.Get(ctx, location, "")
	if err != nil {
		return nil, err
	}
	if err := s.keep(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// keep downloads the arrays of e and caches its snapshot.
func (s *Store) keep(ctx context.Context, e *model.Entity) error {
	for _, f := range e.Schema().Arrays() {
		ref, ok := e.Array(f.Name)
		if !ok {
			continue
		}
		if _, err := s.GetArray(ctx, ref.Data); err != nil {
			return fmt.Errorf("store: %s %s: %w", e.Location(), f.Name, err)
		}
	}
	return s.cache.Set(e)
}

// pullTree walks the child sets below root breadth first. Whatever a level
// returns is cached before its failures are looked at. Children removed on
// the server since their parent was listed are dropped with a warning.
func (s *Store) pullTree(ctx context.Context, root *model.Entity) error {
	visited := map[string]string{root.Location(): ""}
	queue := s.enqueue(root, visited, nil)
	for len(queue) > 0 {
		batch := queue
		queue = nil
		ents, err := s.remote.GetMany(ctx, batch)
		var failed []string
		for i, loc := range batch {
			if i >= len(ents) || ents[i] == nil {
				failed = append(failed, loc)
				continue
			}
			if kerr := s.keep(ctx, ents[i]); kerr != nil {
				if fault.IsOffline(kerr) {
					s.log.Warn("server unreachable, subtree only partly cached", "location", root.Location(), "error", kerr)
					return nil
				}
				return kerr
			}
			queue = s.enqueue(ents[i], visited, queue)
		}
		s.log.Debug("pulled tree level", "root", root.Location(), "count", len(batch), "failed", len(failed))
		if err == nil {
			continue
		}
		if fault.IsOffline(err) {
			s.log.Warn("server unreachable, subtree only partly cached", "location", root.Location(), "error", err)
			return nil
		}
		if err := s.dropVanished(failed, err, visited); err != nil {
			return err
		}
	}
	return nil
}

// dropVanished pairs the failed locations of a GetMany call with its joined
// errors, unlinks those the server reports as gone from their cached parents
// and returns the remaining errors.
func (s *Store) dropVanished(failed []string, err error, parentOf map[string]string) error {
	errs := []error{err}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	}
	if len(errs) != len(failed) {
		return err
	}
	var rest []error
	for i, e := range errs {
		if !errors.Is(e, fault.ErrNotFound) {
			rest = append(rest, e)
			continue
		}
		s.log.Warn("child vanished before it was fetched", "location", failed[i], "parent", parentOf[failed[i]])
		if derr := s.cache.Delete(failed[i]); derr != nil {
			s.log.Warn("dropping stale snapshot failed", "location", failed[i], "error", derr)
		}
		if loc, perr := model.ParseLocation(failed[i]); perr == nil && parentOf[failed[i]] != "" {
			s.patchChildren(parentOf[failed[i]], loc.Kind, failed[i], false)
		}
	}
	return errors.Join(rest...)
}

func (s *Store) enqueue(e *model.Entity, parentOf map[string]string, queue []string) []string {
	for _, f := range e.Schema().Children() {
		for _, loc := range e.RefList(f.Name) {
			if _, ok := parentOf[loc]; !ok {
				parentOf[loc] = e.Location()
				queue = append(queue, loc)
			}
		}
	}
	return queue
}

// GetArray returns the dataset behind an array reference. Staged references
// are read from the staging area; uploaded ones come from the cache, the
// local uploaded copy or the server, in that order.
func (s *Store) GetArray(ctx context.Context, ref string) (arrays.Dataset, error) {
	if arrays.IsLocal(ref) {
		return s.arrays.GetArray(ref)
	}
	if ds, err := s.cache.GetArray(ref); err == nil {
		return ds, nil
	}
	data, err := s.arrays.ReadBytes(ref)
	if err != nil {
		data, err = s.remote.GetFile(ctx, ref)
		if err != nil {
			return arrays.Dataset{}, err
		}
	}
	ds, err := arrays.Decode(data)
	if err != nil {
		return arrays.Dataset{}, fmt.Errorf("store: array %s: %w", ref, err)
	}
	if _, err := s.cache.SetFile(data, ref, false); err != nil {
		return arrays.Dataset{}, err
	}
	return ds, nil
}

// GetFile returns the raw content of a datafile, caching it.
func (s *Store) GetFile(ctx context.Context, location string) ([]byte, error) {
	if data, err := s.cache.GetFile(location, false); err == nil {
		return data, nil
	}
	data, err := s.remote.GetFile(ctx, location)
	if err != nil {
		return nil, err
	}
	if _, err := s.cache.SetFile(data, location, false); err != nil {
		return nil, err
	}
	return data, nil
}

// Set persists e and returns the saved entity.
//
// Staged arrays are uploaded only when they differ from the cached version.
// When nothing was uploaded and the content equals the cached snapshot no
// request is made at all. With avoidCollisions the cached version token is
// sent so the server refuses to overwrite a newer version.
func (s *Store) Set(ctx context.Context, e *model.Entity, avoidCollisions bool) (*model.Entity, error) {
	out := e.Copy()
	var cached *model.Entity
	if out.Persisted() {
		c, err := s.cache.Get(out.Location())
		if err == nil {
			cached = c
		} else if !errors.Is(err, fault.ErrCacheMiss) {
			return nil, err
		}
	}

	uploaded := 0
	for _, f := range out.Schema().Arrays() {
		ref, ok := out.Array(f.Name)
		if !ok || !(ref.Staged || arrays.IsLocal(ref.Data)) {
			continue
		}
		var prev *model.ArrayRef
		if cached != nil {
			if p, ok := cached.Array(f.Name); ok {
				prev = &p
			}
		}
		next, up, err := s.syncArray(ctx, ref, prev)
		if err != nil {
			return nil, fmt.Errorf("store: %s %s: %w", out.Kind, f.Name, err)
		}
		out.Fields[f.Name] = next
		uploaded += up
	}

	if uploaded == 0 && cached != nil && out.ContentEqual(cached) {
		s.log.Debug("unchanged, skipping save", "location", cached.Location())
		return cached, nil
	}
	if avoidCollisions && cached != nil {
		out.GUID = cached.GUID
	}

	saved, err := s.remote.Set(ctx, out, avoidCollisions)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(saved); err != nil {
		return nil, err
	}
	s.relink(saved, cached)
	return saved, nil
}

// syncArray turns a staged reference into an uploaded one. It reports 1 when
// the content had to be sent to the server.
func (s *Store) syncArray(ctx context.Context, ref model.ArrayRef, prev *model.ArrayRef) (model.ArrayRef, int, error) {
	data, err := s.arrays.ReadBytes(ref.Data)
	if err != nil {
		return model.ArrayRef{}, 0, err
	}
	buf, err := arrays.Decode(data)
	if err != nil {
		return model.ArrayRef{}, 0, err
	}
	if prev != nil {
		// Fewer than two values means the array was never loaded.
		if len(buf.Values) < 2 {
			return model.ArrayRef{Data: prev.Data, Units: ref.Units}, 0, nil
		}
		if old, err := s.GetArray(ctx, prev.Data); err == nil && old.Equal(buf) {
			return model.ArrayRef{Data: prev.Data, Units: ref.Units}, 0, nil
		}
	}

	fp := arrays.Fingerprint(data)
	if loc, ok := s.arrays.Lookup(fp); ok {
		return model.ArrayRef{Data: loc, Units: ref.Units}, 0, nil
	}
	df, err := s.remote.SetFile(ctx, filepath.Base(ref.Data)+arrays.Ext, data)
	if err != nil {
		return model.ArrayRef{}, 0, err
	}
	if _, err := s.arrays.RenameForUpload(ref.Data, df.ID); err != nil {
		s.log.Warn("keeping staged array under its old name", "path", ref.Data, "error", err)
	}
	if err := s.arrays.Remember(fp, df.Location()); err != nil {
		s.log.Warn("fingerprint index write failed", "location", df.Location(), "error", err)
	}
	if _, err := s.cache.SetFile(data, df.Location(), false); err != nil {
		return model.ArrayRef{}, 0, err
	}
	return model.ArrayRef{Data: df.Location(), Units: ref.Units}, 1, nil
}

// relink keeps the child sets of cached parents in step with the parent
// references of saved. The server does not bump a parent's version when its
// children change, so revalidation alone would never see it.
func (s *Store) relink(saved, before *model.Entity) {
	for _, f := range saved.Schema().Parents() {
		now := saved.Ref(f.Name)
		var was string
		if before != nil {
			was = before.Ref(f.Name)
		}
		if now == was {
			continue
		}
		if was != "" {
			s.patchChildren(was, saved.Kind, saved.Location(), false)
		}
		if now != "" {
			s.patchChildren(now, saved.Kind, saved.Location(), true)
		}
	}
}

func (s *Store) patchChildren(parent string, kind model.Kind, child string, add bool) {
	err := s.cache.Patch(parent, func(p *model.Entity) bool {
		f, ok := p.Schema().ChildFieldFor(kind)
		if !ok {
			return false
		}
		locs := p.RefList(f.Name)
		i := indexOf(locs, child)
		switch {
		case add && i < 0:
			locs = append(locs, child)
		case !add && i >= 0:
			locs = append(locs[:i], locs[i+1:]...)
		default:
			return false
		}
		p.Fields[f.Name] = locs
		return true
	})
	if err != nil {
		s.log.Warn("patching cached parent failed", "parent", parent, "child", child, "error", err)
	}
}

func indexOf(l []string, s string) int {
	for i, x := range l {
		if x == s {
			return i
		}
	}
	return -1
}

// Delete drops the snapshot, deletes the entity on the server and removes it
// from the child sets of cached parents.
func (s *Store) Delete(ctx context.Context, location string) error {
	loc, err := model.ParseLocation(location)
	if err != nil {
		return err
	}
	before, err := s.cache.Get(loc.String())
	if err != nil && !errors.Is(err, fault.ErrCacheMiss) {
		return err
	}
	if err := s.cache.Delete(loc.String()); err != nil {
		return err
	}
	if err := s.remote.Delete(ctx, loc.String()); err != nil {
		return err
	}
	if before != nil {
		for _, f := range before.Schema().Parents() {
			if p := before.Ref(f.Name); p != "" {
				s.patchChildren(p, before.Kind, loc.String(), false)
			}
		}
	}
	return nil
}

// Select lists entities of kind. Full answers are cached and remembered by
// query, so repeating the query revalidates the whole list with one
// conditional request.
func (s *Store) Select(ctx context.Context, kind model.Kind, q remote.Query) ([]*model.Entity, error) {
	cacheable := q.Level == "" || q.Level == remote.LevelFull
	if !cacheable {
		ents, _, err := s.remote.SelectConditional(ctx, kind, q, "")
		return ents, err
	}

	key := q.Key(kind)
	etag, locs, known := s.cache.GetQuery(key)
	var members []*model.Entity
	if known {
		members = s.cachedMembers(locs)
		if members == nil {
			etag = ""
		}
	}

	ents, newTag, err := s.remote.SelectConditional(ctx, kind, q, etag)
	switch {
	case errors.Is(err, fault.ErrNotModified):
		return members, nil
	case fault.IsOffline(err) && members != nil:
		s.log.Warn("server unreachable, serving cached list", "query", key, "error", err)
		return members, nil
	case err != nil:
		return nil, err
	}

	locations := make([]string, 0, len(ents))
	for _, e := range ents {
		if err := s.cache.Set(e); err != nil {
			return nil, err
		}
		locations = append(locations, e.Location())
	}
	if newTag != "" {
		if err := s.cache.SetQuery(key, newTag, locations); err != nil {
			s.log.Warn("query index write failed", "query", key, "error", err)
		}
	}
	return ents, nil
}

// cachedMembers loads the snapshots of a remembered list, or nil when any is
// gone.
func (s *Store) cachedMembers(locs []string) []*model.Entity {
	out := make([]*model.Entity, 0, len(locs))
	for _, l := range locs {
		e, err := s.cache.Get(l)
		if err != nil {
			return nil
		}
		out = append(out, e)
	}
	return out
}

// Forget clears the cache and the local array store.
func (s *Store) Forget() error {
	if err := s.cache.Clear(); err != nil {
		return err
	}
	return s.arrays.Forget()
}
