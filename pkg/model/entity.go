package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/units"
)

// QuantityValue is the inline (value, unit) pair of a quantity field.
type QuantityValue struct {
	Data  float64
	Units string
}

// Quantity converts to the numeric form. Units were validated on assignment.
func (q QuantityValue) Quantity() units.Quantity {
	u, _ := units.Parse(q.Units)
	return units.Quantity{Value: q.Data, Unit: u}
}

// ArrayRef points at the file holding a bulk array. Staged refs carry a local
// path in Data that still has to be uploaded.
type ArrayRef struct {
	Data   string
	Units  string
	Staged bool
}

// Entity is a schema instance: one server addressable object in wire form.
type Entity struct {
	Kind         Kind
	ID           string
	Permalink    string
	GUID         string
	Owner        string
	SafetyLevel  int
	DateCreated  string
	LastModified string
	Fields       map[string]any
}

// NewEntity returns an unsaved entity of kind with the registered defaults.
func NewEntity(kind Kind) (*Entity, error) {
	s := SchemaOf(kind)
	if s == nil {
		return nil, fault.Invalid(string(kind), "", "unknown kind")
	}
	e := &Entity{Kind: kind, Fields: make(map[string]any, len(s.Fields))}
	for _, f := range s.Fields {
		if f.Default != nil {
			e.Fields[f.Name] = f.Default
		}
	}
	return e, nil
}

func (e *Entity) Schema() *Schema { return SchemaOf(e.Kind) }

// Loc is the parsed location; zero for unsaved entities.
func (e *Entity) Loc() Location {
	if e.ID == "" {
		return Location{}
	}
	return NewLocation(e.Kind, e.ID)
}

// Location implements Locator.
func (e *Entity) Location() string { return e.Loc().String() }

func (e *Entity) Persisted() bool { return e.ID != "" }

// Get returns the raw stored value of a field.
func (e *Entity) Get(name string) any { return e.Fields[name] }

func (e *Entity) String(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

func (e *Entity) Quantity(name string) (QuantityValue, bool) {
	q, ok := e.Fields[name].(QuantityValue)
	return q, ok
}

func (e *Entity) Array(name string) (ArrayRef, bool) {
	a, ok := e.Fields[name].(ArrayRef)
	return a, ok
}

// Ref returns the canonical location held by a parent field.
func (e *Entity) Ref(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

// RefList returns the locations held by a child or refs field.
func (e *Entity) RefList(name string) []string {
	l, _ := e.Fields[name].([]string)
	return l
}

// Set assigns a field after checking its domain.
func (e *Entity) Set(name string, v any) error {
	s := e.Schema()
	if s == nil {
		return fault.Invalid(string(e.Kind), name, "unknown kind")
	}
	f, ok := s.Field(name)
	if !ok {
		return fault.Invalid(string(e.Kind), name, "no such field")
	}
	if v == nil {
		delete(e.Fields, name)
		return nil
	}
	norm, err := normalize(e.Kind, f, v)
	if err != nil {
		return err
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[name] = norm
	return nil
}

// MustSet is Set for literals.
func (e *Entity) MustSet(name string, v any) *Entity {
	if err := e.Set(name, v); err != nil {
		panic(err)
	}
	return e
}

func normalize(kind Kind, f Field, v any) (any, error) {
	bad := func(format string, args ...any) error {
		return fault.Invalid(string(kind), f.Name, format, args...)
	}
	switch f.Domain {
	case DomainString:
		s, ok := v.(string)
		if !ok {
			return nil, bad("want string, got %T", v)
		}
		return s, nil
	case DomainInt:
		n, ok := toFloat(v)
		if !ok || n != math.Trunc(n) {
			return nil, bad("want integer, got %v", v)
		}
		return int64(n), nil
	case DomainFloat:
		n, ok := toFloat(v)
		if !ok {
			return nil, bad("want number, got %T", v)
		}
		return n, nil
	case DomainNumberOrString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		n, ok := toFloat(v)
		if !ok {
			return nil, bad("want number or string, got %T", v)
		}
		return n, nil
	case DomainStringList:
		switch l := v.(type) {
		case []string:
			return append([]string(nil), l...), nil
		case []any:
			out := make([]string, 0, len(l))
			for _, x := range l {
				s, ok := x.(string)
				if !ok {
					return nil, bad("want list of strings, got element %T", x)
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, bad("want list of strings, got %T", v)
	case DomainQuantity:
		var q QuantityValue
		switch x := v.(type) {
		case QuantityValue:
			q = x
		case units.Quantity:
			q = QuantityValue{Data: x.Value, Units: x.Unit.String()}
		default:
			return nil, bad("want quantity, got %T", v)
		}
		if !units.Valid(q.Units) {
			return nil, bad("unknown units %q", q.Units)
		}
		return q, nil
	case DomainArray:
		a, ok := v.(ArrayRef)
		if !ok {
			return nil, bad("want array reference, got %T", v)
		}
		if a.Data == "" {
			return nil, bad("array reference without data")
		}
		if !units.Valid(a.Units) {
			return nil, bad("unknown units %q", a.Units)
		}
		return a, nil
	case DomainRef:
		return refLocation(kind, f, v)
	case DomainRefList:
		var items []any
		switch l := v.(type) {
		case []string:
			for _, s := range l {
				items = append(items, s)
			}
		case []Locator:
			for _, x := range l {
				items = append(items, x)
			}
		case []any:
			items = l
		default:
			return nil, bad("want list of references, got %T", v)
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			loc, err := refLocation(kind, f, item)
			if err != nil {
				return nil, err
			}
			out = append(out, loc)
		}
		return out, nil
	}
	return nil, bad("unsupported domain")
}

func refLocation(kind Kind, f Field, v any) (string, error) {
	var raw string
	switch x := v.(type) {
	case string:
		raw = x
	case Locator:
		raw = x.Location()
		if raw == "" {
			return "", &fault.DependencyError{Kind: string(kind), Field: f.Name}
		}
	default:
		return "", fault.Invalid(string(kind), f.Name, "want location or located object, got %T", v)
	}
	loc, err := ParseLocation(raw)
	if err != nil {
		return "", fault.Invalid(string(kind), f.Name, "%v", err)
	}
	if f.Target != "" && loc.Kind != f.Target {
		return "", fault.Invalid(string(kind), f.Name, "want %s reference, got %s", f.Target, loc.Kind)
	}
	return loc.String(), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Validate checks that every obligatory field is set.
func (e *Entity) Validate() error {
	s := e.Schema()
	if s == nil {
		return fault.Invalid(string(e.Kind), "", "unknown kind")
	}
	for _, f := range s.Obligatory() {
		if absent(e.Fields[f.Name]) {
			return fault.Invalid(string(e.Kind), f.Name, "obligatory field is missing")
		}
	}
	return nil
}

// Copy returns a deep copy; callers never alias stored snapshots.
func (e *Entity) Copy() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		if l, ok := v.([]string); ok {
			v = append([]string(nil), l...)
		}
		c.Fields[k] = v
	}
	return &c
}

// ContentEqual compares the canonical content of two entities: every field
// except the server maintained child sets. Missing and zero values compare
// equal; reference lists compare as sets.
func (e *Entity) ContentEqual(o *Entity) bool {
	if e == nil || o == nil || e.Kind != o.Kind {
		return false
	}
	s := e.Schema()
	if s == nil {
		return false
	}
	for _, f := range s.Fields {
		if f.Role == RoleChild {
			continue
		}
		a, b := e.Fields[f.Name], o.Fields[f.Name]
		if isZero(a) && isZero(b) {
			continue
		}
		if !valueEqual(f, a, b) {
			return false
		}
	}
	return true
}

func valueEqual(f Field, a, b any) bool {
	switch f.Domain {
	case DomainStringList:
		return stringsEqual(asStrings(a), asStrings(b), false)
	case DomainRefList:
		return stringsEqual(asStrings(a), asStrings(b), true)
	case DomainArray:
		x, _ := a.(ArrayRef)
		y, _ := b.(ArrayRef)
		return x.Data == y.Data && x.Units == y.Units && x.Staged == y.Staged
	}
	return a == b
}

func asStrings(v any) []string {
	l, _ := v.([]string)
	return l
}

func stringsEqual(a, b []string, unordered bool) bool {
	if len(a) != len(b) {
		return false
	}
	if unordered {
		a = append([]string(nil), a...)
		b = append([]string(nil), b...)
		sort.Strings(a)
		sort.Strings(b)
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// absent reports whether an obligatory field counts as unset. A number is set
// even when it is zero.
func absent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}

func (e *Entity) GoString() string {
	return fmt.Sprintf("model.Entity{%s %s guid=%q}", e.Kind, e.ID, e.GUID)
}
