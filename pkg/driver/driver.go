// Package driver converts between schema entities and domain objects. Parent
// and child references become lazy neo references that resolve through the
// store; arrays are fetched on the way in and staged locally on the way out.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/neo"
	"github.com/i5heu/gnode/pkg/units"
)

// Store is the part of the composite store the driver reads from.
type Store interface {
	Get(ctx context.Context, location string, refresh, recursive bool) (*model.Entity, error)
	GetArray(ctx context.Context, ref string) (arrays.Dataset, error)
}

// Stager writes arrays to local files before upload.
type Stager interface {
	PutArray(d arrays.Dataset) (string, error)
}

type Config struct {
	Store   Store
	Staging Stager
	Logger  *slog.Logger
}

type Driver struct {
	store   Store
	staging Stager
	log     *slog.Logger
}

func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil || cfg.Staging == nil {
		return nil, errors.New("driver: store and staging are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{store: cfg.Store, staging: cfg.Staging, log: cfg.Logger}, nil
}

// Resolve implements neo.Resolver. It reads the cached snapshot when one
// exists and asks the server otherwise.
func (d *Driver) Resolve(ctx context.Context, location string) (neo.Object, error) {
	e, err := d.store.Get(ctx, location, false, false)
	if err != nil {
		return nil, err
	}
	return d.ToDomain(ctx, e)
}

// ToDomain builds the domain object for e. References stay unresolved until
// first use.
func (d *Driver) ToDomain(ctx context.Context, e *model.Entity) (neo.Object, error) {
	obj, err := neo.New(e.Kind)
	if err != nil {
		return nil, err
	}
	s := e.Schema()
	obj.SetLocation(e.Location())
	for _, b := range obj.Bind() {
		f, ok := s.Field(b.Name)
		if !ok {
			return nil, fmt.Errorf("driver: %s has no field %q", e.Kind, b.Name)
		}
		if err := d.load(ctx, e, f, b); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (d *Driver) load(ctx context.Context, e *model.Entity, f model.Field, b neo.Binding) error {
	v := e.Fields[f.Name]
	switch p := b.Ptr.(type) {
	case *string:
		*p = e.String(f.Name)
	case *int:
		n, _ := v.(int64)
		*p = int(n)
	case *[]string:
		l, _ := v.([]string)
		*p = append([]string(nil), l...)
	case *any:
		*p = v
	case *units.Quantity:
		if q, ok := e.Quantity(f.Name); ok {
			*p = q.Quantity()
		}
	case **units.Quantity:
		if q, ok := e.Quantity(f.Name); ok {
			qq := q.Quantity()
			*p = &qq
		}
	case **units.QuantityArray:
		ref, ok := e.Array(f.Name)
		if !ok {
			return nil
		}
		ds, err := d.store.GetArray(ctx, ref.Data)
		if err != nil {
			if f.Obligatory {
				return fmt.Errorf("driver: %s %s: %w", e.Location(), f.Name, err)
			}
			d.log.Warn("optional array unavailable", "location", e.Location(), "field", f.Name, "error", err)
			return nil
		}
		u, err := units.Parse(ref.Units)
		if err != nil {
			return fault.Invalid(string(e.Kind), f.Name, "%v", err)
		}
		*p = &units.QuantityArray{Values: ds.Values, Shape: ds.Shape, Unit: u}
	case neo.Reference:
		if loc := e.Ref(f.Name); loc != "" {
			p.Defer(loc, d)
		}
	case neo.ReferenceList:
		p.Defer(e.RefList(f.Name), d)
	default:
		return fmt.Errorf("driver: unsupported binding %T for %s", b.Ptr, f.Name)
	}
	return nil
}

// ToSchema builds the wire entity for obj. Arrays are written to the staging
// area and referenced by local path. A parent or metadata reference to an
// unsaved object fails with a dependency error; unsaved children are left
// out.
func (d *Driver) ToSchema(obj neo.Object) (*model.Entity, error) {
	e, err := model.NewEntity(obj.Kind())
	if err != nil {
		return nil, err
	}
	if loc := obj.Location(); loc != "" {
		l, err := model.ParseLocation(loc)
		if err != nil {
			return nil, err
		}
		e.ID = l.ID
	}
	s := e.Schema()
	for _, b := range obj.Bind() {
		f, ok := s.Field(b.Name)
		if !ok {
			return nil, fmt.Errorf("driver: %s has no field %q", e.Kind, b.Name)
		}
		v, err := d.dump(e.Kind, f, b)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if err := e.Set(f.Name, v); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (d *Driver) dump(kind model.Kind, f model.Field, b neo.Binding) (any, error) {
	switch p := b.Ptr.(type) {
	// Empty scalars are sent as they are so that clearing a field reaches
	// the server.
	case *string:
		return *p, nil
	case *int:
		return *p, nil
	case *[]string:
		return *p, nil
	case *any:
		return *p, nil
	case *units.Quantity:
		return *p, nil
	case **units.Quantity:
		if *p != nil {
			return **p, nil
		}
	case **units.QuantityArray:
		a := *p
		if a == nil {
			return nil, nil
		}
		path, err := d.staging.PutArray(arrays.Dataset{Name: arrays.DefaultName, Values: a.Values, Shape: a.Shape})
		if err != nil {
			return nil, err
		}
		return model.ArrayRef{Data: path, Units: a.Unit.String(), Staged: true}, nil
	case neo.Reference:
		if t, ok := p.Target(); ok && t.Location() == "" {
			return nil, &fault.DependencyError{Kind: string(kind), Field: f.Name}
		}
		if loc := p.TargetLocation(); loc != "" {
			return loc, nil
		}
	case neo.ReferenceList:
		if f.Role == model.RoleChild && !p.Loaded() {
			return nil, nil
		}
		if f.Role == model.RoleRefs && len(p.Unsaved()) > 0 {
			return nil, &fault.DependencyError{Kind: string(kind), Field: f.Name}
		}
		if locs := p.Locations(); len(locs) > 0 {
			return locs, nil
		}
	default:
		return nil, fmt.Errorf("driver: unsupported binding %T for %s", b.Ptr, f.Name)
	}
	return nil, nil
}
