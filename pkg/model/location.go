package model

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/i5heu/gnode/pkg/fault"
)

// Location is the canonical address of an entity: /<category>/<kind>/<id>.
type Location struct {
	Category Category
	Kind     Kind
	ID       string
}

// Locator is implemented by anything that knows where it lives on the server.
type Locator interface {
	Location() string
}

// ParseLocation accepts a relative location or an absolute permalink, with or
// without the trailing slash. Leading path segments of a service mounted
// below a prefix are dropped.
func ParseLocation(s string) (Location, error) {
	raw := strings.TrimSpace(s)
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, fault.Invalid("location", "", "%q: %v", s, err)
		}
		raw = u.Path
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 {
		return Location{}, fault.Invalid("location", "", "%q is not /<category>/<kind>/<id>", s)
	}
	parts = parts[len(parts)-3:]
	kind := Kind(parts[1])
	if !kind.Valid() {
		return Location{}, fault.Invalid("location", "", "unknown kind %q", parts[1])
	}
	cat := Category(parts[0])
	if cat != kind.Category() {
		return Location{}, fault.Invalid("location", "", "kind %s does not live under %s", kind, cat)
	}
	if parts[2] == "" {
		return Location{}, fault.Invalid("location", "", "%q has no id", s)
	}
	return Location{Category: cat, Kind: kind, ID: parts[2]}, nil
}

// MustLocation is ParseLocation for literals.
func MustLocation(s string) Location {
	l, err := ParseLocation(s)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLocation builds the location of id under kind.
func NewLocation(kind Kind, id string) Location {
	return Location{Category: kind.Category(), Kind: kind, ID: id}
}

// CanonicalLocation normalizes s, returning it unchanged when it does not parse.
func CanonicalLocation(s string) string {
	l, err := ParseLocation(s)
	if err != nil {
		return s
	}
	return l.String()
}

func (l Location) String() string {
	if l.ID == "" {
		return ""
	}
	return fmt.Sprintf("/%s/%s/%s", l.Category, l.Kind, l.ID)
}

func (l Location) IsZero() bool { return l.ID == "" }

// Path is the request path on the service, always slash-terminated.
func (l Location) Path() string {
	return l.String() + "/"
}

// Permalink is the absolute form under base (scheme://host[/prefix]).
func (l Location) Permalink(base string) string {
	return strings.TrimRight(base, "/") + l.Path()
}

// CollectionPath is the list/create endpoint of a kind.
func CollectionPath(kind Kind) string {
	return fmt.Sprintf("/%s/%s/", kind.Category(), kind)
}
