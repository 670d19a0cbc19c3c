package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/units"
)

// Server bookkeeping keys inside "fields".
const (
	keyGUID         = "guid"
	keyOwner        = "owner"
	keySafetyLevel  = "safety_level"
	keyDateCreated  = "date_created"
	keyLastModified = "last_modified"
)

// Envelope is the body shape of every list and detail answer.
type Envelope struct {
	Selected []json.RawMessage `json:"selected"`
	Message  string            `json:"message,omitempty"`
	Details  string            `json:"details,omitempty"`
}

// ToMap renders the entity in wire form. References become permalinks under
// base; an empty base yields slash-terminated relative locations.
func (e *Entity) ToMap(base string) map[string]any {
	fields := map[string]any{}
	s := e.Schema()
	if s != nil {
		for _, f := range s.Fields {
			v, ok := e.Fields[f.Name]
			if !ok {
				continue
			}
			fields[f.Name] = encodeValue(f, v, base)
		}
	}
	if e.GUID != "" {
		fields[keyGUID] = e.GUID
	}
	if e.Owner != "" {
		fields[keyOwner] = e.Owner
	}
	if e.SafetyLevel != 0 {
		fields[keySafetyLevel] = int64(e.SafetyLevel)
	}
	if e.DateCreated != "" {
		fields[keyDateCreated] = e.DateCreated
	}
	if e.LastModified != "" {
		fields[keyLastModified] = e.LastModified
	}
	m := map[string]any{
		"model":  e.Kind.Model(),
		"fields": fields,
	}
	if e.ID != "" {
		loc := e.Loc()
		m["id"] = e.ID
		m["location"] = loc.String()
		if e.Permalink != "" {
			m["permalink"] = e.Permalink
		} else {
			m["permalink"] = loc.Permalink(base)
		}
	}
	return m
}

func encodeValue(f Field, v any, base string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case QuantityValue:
		return map[string]any{"data": x.Data, "units": x.Units}
	case ArrayRef:
		return map[string]any{"data": x.Data, "units": x.Units}
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			if f.Role.IsReference() {
				s = permalinkOf(s, base)
			}
			out[i] = s
		}
		return out
	case string:
		if f.Role == RoleParent {
			return permalinkOf(x, base)
		}
		return x
	}
	return v
}

func permalinkOf(loc, base string) string {
	l, err := ParseLocation(loc)
	if err != nil {
		return loc
	}
	return l.Permalink(base)
}

// Marshal encodes the entity as wire JSON.
func (e *Entity) Marshal(base string) ([]byte, error) {
	return json.Marshal(e.ToMap(base))
}

// Unmarshal decodes one wire JSON object.
func Unmarshal(data []byte) (*Entity, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return FromMap(m)
}

// FromMap decodes the wire map. Unknown fields are ignored; permalinks with or
// without the trailing slash are normalized to canonical locations.
func FromMap(m map[string]any) (*Entity, error) {
	kind, err := kindOf(m)
	if err != nil {
		return nil, err
	}
	e, err := NewEntity(kind)
	if err != nil {
		return nil, err
	}
	e.ID = scalarString(m["id"])
	if e.ID == "" {
		if loc, ok := m["location"].(string); ok && loc != "" {
			l, err := ParseLocation(loc)
			if err != nil {
				return nil, err
			}
			e.ID = l.ID
		}
	}
	e.Permalink, _ = m["permalink"].(string)
	fields, _ := m["fields"].(map[string]any)
	e.GUID = scalarString(fields[keyGUID])
	e.Owner = scalarString(fields[keyOwner])
	if n, ok := toFloat(fields[keySafetyLevel]); ok {
		e.SafetyLevel = int(n)
	}
	e.DateCreated = scalarString(fields[keyDateCreated])
	e.LastModified = scalarString(fields[keyLastModified])

	s := e.Schema()
	for _, f := range s.Fields {
		raw, ok := fields[f.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := decodeValue(kind, f, raw)
		if err != nil {
			return nil, err
		}
		if v != nil {
			e.Fields[f.Name] = v
		}
	}
	return e, nil
}

func kindOf(m map[string]any) (Kind, error) {
	if tag, ok := m["model"].(string); ok && tag != "" {
		i := strings.LastIndex(tag, ".")
		k := Kind(tag[i+1:])
		if k.Valid() {
			return k, nil
		}
		return "", fault.Invalid("entity", "model", "unknown model %q", tag)
	}
	for _, key := range []string{"location", "permalink"} {
		if s, ok := m[key].(string); ok && s != "" {
			l, err := ParseLocation(s)
			if err != nil {
				return "", err
			}
			return l.Kind, nil
		}
	}
	return "", fault.Invalid("entity", "model", "no model tag or location")
}

func decodeValue(kind Kind, f Field, raw any) (any, error) {
	switch f.Role {
	case RoleQuantity:
		pair, ok := raw.(map[string]any)
		if !ok {
			return nil, fault.Invalid(string(kind), f.Name, "want {data, units}, got %T", raw)
		}
		if pair["data"] == nil {
			return nil, nil
		}
		n, ok := toFloat(pair["data"])
		if !ok {
			return nil, fault.Invalid(string(kind), f.Name, "quantity data is %T", pair["data"])
		}
		return normalize(kind, f, QuantityValue{Data: n, Units: scalarString(pair["units"])})
	case RoleArray:
		pair, ok := raw.(map[string]any)
		if !ok {
			return nil, fault.Invalid(string(kind), f.Name, "want {data, units}, got %T", raw)
		}
		ref := scalarString(pair["data"])
		if ref == "" {
			return nil, nil
		}
		unit := scalarString(pair["units"])
		if !units.Valid(unit) {
			return nil, fault.Invalid(string(kind), f.Name, "unknown units %q", unit)
		}
		return ArrayRef{Data: ref, Units: unit}, nil
	case RoleParent:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, nil
		}
		return normalize(kind, f, s)
	case RoleChild, RoleRefs:
		return normalize(kind, f, raw)
	}
	return normalize(kind, f, raw)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	return ""
}

// DecodeEnvelope parses a {selected, message, details} body.
func DecodeEnvelope(data []byte) ([]*Entity, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("decode envelope: %w", err)
	}
	out := make([]*Entity, 0, len(env.Selected))
	for _, raw := range env.Selected {
		e, err := Unmarshal(raw)
		if err != nil {
			return nil, env, err
		}
		out = append(out, e)
	}
	return out, env, nil
}
