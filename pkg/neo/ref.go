package neo

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/gnode/pkg/model"
)

// ErrNoResolver is returned when an unresolved reference has nobody to ask.
var ErrNoResolver = errors.New("neo: unresolved reference without resolver")

// Resolver turns a location into the domain object stored there.
type Resolver interface {
	Resolve(ctx context.Context, location string) (Object, error)
}

// Reference is the untyped view of a Ref used by the driver and the walker.
type Reference interface {
	// TargetLocation is the location of the referenced object, "" if there is
	// none or it is unsaved.
	TargetLocation() string
	// Target returns the resolved object, if any.
	Target() (Object, bool)
	// Defer points the reference at location, resolved on first use.
	Defer(location string, r Resolver)
	// Assign points the reference at a resolved object; nil clears it.
	Assign(o Object) error
}

// Ref is a parent reference: either an unresolved location or a resolved
// object. The zero value references nothing.
type Ref[T Object] struct {
	loc      string
	val      T
	resolved bool
	resolver Resolver
}

// RefTo returns a resolved reference to v.
func RefTo[T Object](v T) Ref[T] {
	return Ref[T]{val: v, resolved: true}
}

func (r *Ref[T]) IsZero() bool { return !r.resolved && r.loc == "" }

func (r *Ref[T]) IsResolved() bool { return r.resolved }

// Set points the reference at v.
func (r *Ref[T]) Set(v T) {
	r.val, r.resolved, r.loc = v, true, ""
}

// Clear drops the reference.
func (r *Ref[T]) Clear() {
	var zero T
	r.val, r.resolved, r.loc = zero, false, ""
}

// Location is where the target lives; for a resolved unsaved object it is "".
func (r *Ref[T]) Location() string {
	if r.resolved {
		return r.val.Location()
	}
	return r.loc
}

func (r *Ref[T]) TargetLocation() string { return r.Location() }

func (r *Ref[T]) Target() (Object, bool) {
	if !r.resolved {
		return nil, false
	}
	return r.val, true
}

func (r *Ref[T]) Defer(location string, res Resolver) {
	var zero T
	r.val, r.resolved, r.loc, r.resolver = zero, false, location, res
}

func (r *Ref[T]) Assign(o Object) error {
	if o == nil {
		r.Clear()
		return nil
	}
	v, ok := o.(T)
	if !ok {
		return fmt.Errorf("neo: cannot reference %s from a %T reference", o.Kind(), r.val)
	}
	r.Set(v)
	return nil
}

// Get returns the target, resolving it on first use. The resolved object is
// kept, so later calls do not touch the store.
func (r *Ref[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if r.resolved {
		return r.val, nil
	}
	if r.loc == "" {
		return zero, nil
	}
	v, err := resolveAs[T](ctx, r.resolver, r.loc)
	if err != nil {
		return zero, err
	}
	r.val, r.resolved = v, true
	return v, nil
}

func resolveAs[T Object](ctx context.Context, res Resolver, loc string) (T, error) {
	var zero T
	if res == nil {
		return zero, fmt.Errorf("%w: %s", ErrNoResolver, loc)
	}
	o, err := res.Resolve(ctx, loc)
	if err != nil {
		return zero, err
	}
	v, ok := o.(T)
	if !ok {
		return zero, fmt.Errorf("neo: %s resolved to %T, want %T", loc, o, zero)
	}
	return v, nil
}

// ReferenceList is the untyped view of a RefList.
type ReferenceList interface {
	// Locations lists the locations of every persisted member.
	Locations() []string
	// Pending lists resolved members, saved or not.
	Pending() []Object
	// Unsaved lists resolved members without a location.
	Unsaved() []Object
	// Loaded reports whether the list holds the whole set. A list deferred
	// from a snapshot is not loaded until every member was resolved.
	Loaded() bool
	Defer(locations []string, r Resolver)
	Append(o Object) error
}

type entry[T Object] struct {
	loc      string
	val      T
	resolved bool
}

func (e *entry[T]) location() string {
	if e.resolved {
		return e.val.Location()
	}
	return e.loc
}

// RefList is a lazily materialized set of references, used for child sets
// and metadata links. Members added locally are resolved from the start;
// members known only by location are resolved when the list is read.
type RefList[T Object] struct {
	entries  []entry[T]
	resolver Resolver
	lazy     bool
}

func (l *RefList[T]) Len() int { return len(l.entries) }

// Loaded reports whether the list is the whole set: built locally, or
// deferred and since resolved member by member.
func (l *RefList[T]) Loaded() bool { return !l.lazy }

func (l *RefList[T]) settle() {
	for _, e := range l.entries {
		if !e.resolved {
			return
		}
	}
	l.lazy = false
}

// Add appends resolved members. An object already in the list is skipped.
func (l *RefList[T]) Add(items ...T) {
	for _, it := range items {
		if l.index(it) >= 0 {
			continue
		}
		l.entries = append(l.entries, entry[T]{val: it, resolved: true})
	}
}

func (l *RefList[T]) index(it T) int {
	loc := it.Location()
	for i, e := range l.entries {
		if e.resolved && Object(e.val) == Object(it) {
			return i
		}
		if loc != "" && e.location() == loc {
			return i
		}
	}
	return -1
}

// Remove drops a member by identity or location. It reports whether
// anything was removed.
func (l *RefList[T]) Remove(it T) bool {
	i := l.index(it)
	if i < 0 {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return true
}

// RemoveLocation drops the member stored at location.
func (l *RefList[T]) RemoveLocation(location string) bool {
	location = model.CanonicalLocation(location)
	for i, e := range l.entries {
		if e.location() == location {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// All resolves every member and returns them in order.
func (l *RefList[T]) All(ctx context.Context) ([]T, error) {
	out := make([]T, 0, len(l.entries))
	for i := range l.entries {
		e := &l.entries[i]
		if !e.resolved {
			v, err := resolveAs[T](ctx, l.resolver, e.loc)
			if err != nil {
				return nil, err
			}
			e.val, e.resolved = v, true
		}
		out = append(out, e.val)
	}
	l.lazy = false
	return out, nil
}

// At resolves and returns member i.
func (l *RefList[T]) At(ctx context.Context, i int) (T, error) {
	e := &l.entries[i]
	if !e.resolved {
		v, err := resolveAs[T](ctx, l.resolver, e.loc)
		if err != nil {
			var zero T
			return zero, err
		}
		e.val, e.resolved = v, true
		l.settle()
	}
	return e.val, nil
}

// ByName returns the first member whose Name matches. It resolves members
// as it goes.
func (l *RefList[T]) ByName(ctx context.Context, name string) (T, bool, error) {
	var zero T
	for i := range l.entries {
		v, err := l.At(ctx, i)
		if err != nil {
			return zero, false, err
		}
		if n, ok := Object(v).(Named); ok && n.GetName() == name {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Names lists member names in order, resolving members.
func (l *RefList[T]) Names(ctx context.Context) ([]string, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, v := range all {
		if n, ok := Object(v).(Named); ok {
			out = append(out, n.GetName())
		}
	}
	return out, nil
}

func (l *RefList[T]) Locations() []string {
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		if loc := e.location(); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

func (l *RefList[T]) Pending() []Object {
	var out []Object
	for _, e := range l.entries {
		if e.resolved {
			out = append(out, e.val)
		}
	}
	return out
}

func (l *RefList[T]) Unsaved() []Object {
	var out []Object
	for _, e := range l.entries {
		if e.resolved && e.val.Location() == "" {
			out = append(out, e.val)
		}
	}
	return out
}

func (l *RefList[T]) Defer(locations []string, res Resolver) {
	l.entries = l.entries[:0]
	for _, loc := range locations {
		l.entries = append(l.entries, entry[T]{loc: loc})
	}
	l.resolver = res
	l.lazy = true
}

func (l *RefList[T]) Append(o Object) error {
	v, ok := o.(T)
	if !ok {
		var zero T
		return fmt.Errorf("neo: cannot add %s to a list of %T", o.Kind(), zero)
	}
	l.Add(v)
	return nil
}
