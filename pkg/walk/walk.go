// Package walk pushes trees of domain objects to the service, parents before
// children.
package walk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/neo"
)

// Saver persists single objects. Save must pin the saved location onto obj.
type Saver interface {
	Save(ctx context.Context, obj neo.Object, avoidCollisions bool) (*model.Entity, error)
	DeleteLocation(ctx context.Context, location string) error
}

type Options struct {
	AvoidCollisions bool
	// Fail aborts on the first error. Otherwise errors are collected and the
	// subtree below a failed object is skipped.
	Fail   bool
	Logger *slog.Logger
}

// Result reports what an upload did. Nothing is rolled back on failure.
type Result struct {
	Saved   []string
	Deleted []string
	Errors  []error
}

// Upload saves root and everything reachable through its child sets.
// Unsaved objects referenced as parents or metadata are saved before the
// objects pointing at them. Server side children that are no longer in a
// loaded local child set are deleted at the end.
func Upload(ctx context.Context, s Saver, root neo.Object, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var (
		res      Result
		stack    = []neo.Object{root}
		inflight = map[neo.Object]bool{root: true}
		deferred = map[neo.Object]bool{}
		failed   = map[neo.Object]bool{}
		seen     = map[string]bool{}
		toDelete []string
	)
	if err := pinTree(root); err != nil {
		return res, err
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if loc := x.Location(); failed[x] || (loc != "" && seen[loc]) {
			continue
		}
		if deps := unsavedDeps(x); len(deps) > 0 && !deferred[x] {
			deferred[x] = true
			stack = append(stack, x)
			// a dependency may already wait deeper in the stack; the later
			// copy is skipped once saved
			for _, d := range deps {
				inflight[d] = true
				stack = append(stack, d)
			}
			continue
		}

		persisted, err := s.Save(ctx, x, opts.AvoidCollisions)
		if err != nil {
			err = fmt.Errorf("walk: %s: %w", describe(x), err)
			if opts.Fail {
				return res, err
			}
			log.Warn("upload failed, skipping subtree", "object", describe(x), "error", err)
			res.Errors = append(res.Errors, err)
			failed[x] = true
			continue
		}
		x.SetLocation(persisted.Location())
		seen[persisted.Location()] = true
		res.Saved = append(res.Saved, persisted.Location())

		for _, f := range persisted.Schema().Children() {
			list, ok := neo.ChildList(x, f.Name)
			if !ok {
				continue
			}
			// a deferred list may lag behind the server
			if list.Loaded() {
				toDelete = append(toDelete, missing(persisted.RefList(f.Name), list.Locations())...)
			}

			pending := list.Pending()
			// reversed so children are saved in list order
			for i := len(pending) - 1; i >= 0; i-- {
				c := pending[i]
				if inflight[c] || (c.Location() != "" && seen[c.Location()]) {
					continue
				}
				inflight[c] = true
				stack = append(stack, c)
			}
		}
	}

	for _, loc := range toDelete {
		if seen[loc] {
			continue
		}
		if err := s.DeleteLocation(ctx, loc); err != nil {
			log.Warn("removing dropped child failed", "location", loc, "error", err)
			continue
		}
		res.Deleted = append(res.Deleted, loc)
	}
	return res, errors.Join(res.Errors...)
}

// pinTree points the parent reference of every resolved child below root at
// the object whose child set holds it. Children shared by two parents of
// different kinds thus reference both before anything is saved.
func pinTree(root neo.Object) error {
	visited := map[neo.Object]bool{root: true}
	stack := []neo.Object{root}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s := model.SchemaOf(x.Kind())
		for _, f := range s.Children() {
			list, ok := neo.ChildList(x, f.Name)
			if !ok {
				continue
			}
			for _, c := range list.Pending() {
				if err := pin(c, x); err != nil {
					return err
				}
				if !visited[c] {
					visited[c] = true
					stack = append(stack, c)
				}
			}
		}
	}
	return nil
}

// pin points the parent reference of child at parent unless it already does.
func pin(child, parent neo.Object) error {
	ref, ok := neo.ParentRef(child, parent.Kind())
	if !ok {
		return nil
	}
	if t, ok := ref.Target(); ok && t == parent {
		return nil
	}
	return ref.Assign(parent)
}

// unsavedDeps lists resolved but unsaved objects that x references through
// parent or metadata fields.
func unsavedDeps(x neo.Object) []neo.Object {
	s := model.SchemaOf(x.Kind())
	var out []neo.Object
	for _, b := range x.Bind() {
		f, ok := s.Field(b.Name)
		if !ok {
			continue
		}
		switch p := b.Ptr.(type) {
		case neo.Reference:
			if t, ok := p.Target(); ok && t.Location() == "" {
				out = append(out, t)
			}
		case neo.ReferenceList:
			if f.Role == model.RoleRefs {
				out = append(out, p.Unsaved()...)
			}
		}
	}
	return out
}

func missing(remote, local []string) []string {
	keep := make(map[string]bool, len(local))
	for _, l := range local {
		keep[l] = true
	}
	var out []string
	for _, r := range remote {
		if !keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func describe(o neo.Object) string {
	if loc := o.Location(); loc != "" {
		return loc
	}
	if n, ok := o.(neo.Named); ok && n.GetName() != "" {
		return fmt.Sprintf("new %s %q", o.Kind(), n.GetName())
	}
	return "new " + string(o.Kind())
}
