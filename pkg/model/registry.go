package model

import "strings"

// Role is how a field is stored and synchronized.
type Role uint8

const (
	RoleScalar Role = iota
	RoleQuantity
	RoleArray
	RoleParent
	RoleChild
	RoleRefs
)

func (r Role) String() string {
	switch r {
	case RoleScalar:
		return "scalar"
	case RoleQuantity:
		return "quantity"
	case RoleArray:
		return "array"
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	case RoleRefs:
		return "refs"
	}
	return "unknown"
}

// IsReference reports whether values of r are locations.
func (r Role) IsReference() bool {
	return r == RoleParent || r == RoleChild || r == RoleRefs
}

// Domain is the expected value domain of a field.
type Domain uint8

const (
	DomainString Domain = iota
	DomainInt
	DomainFloat
	DomainNumberOrString
	DomainStringList
	DomainQuantity
	DomainArray
	DomainRef
	DomainRefList
)

// Field describes one field of a kind.
type Field struct {
	Name       string
	Role       Role
	Domain     Domain
	Target     Kind // referenced kind for reference roles
	Obligatory bool
	Default    any
}

// Schema is the ordered field table of one kind.
type Schema struct {
	Kind   Kind
	Fields []Field
	index  map[string]int
}

var registry = map[Kind]*Schema{}

// Register installs a schema. Registering a kind twice replaces the table.
func Register(kind Kind, fields ...Field) *Schema {
	s := &Schema{Kind: kind, Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		s.index[f.Name] = i
	}
	registry[kind] = s
	return s
}

// SchemaOf returns the table registered for kind, or nil.
func SchemaOf(kind Kind) *Schema {
	return registry[kind]
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

func (s *Schema) filter(keep func(Field) bool) []Field {
	var out []Field
	for _, f := range s.Fields {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s *Schema) Obligatory() []Field {
	return s.filter(func(f Field) bool { return f.Obligatory })
}

func (s *Schema) Optional() []Field {
	return s.filter(func(f Field) bool { return !f.Obligatory })
}

func (s *Schema) ByRole(r Role) []Field {
	return s.filter(func(f Field) bool { return f.Role == r })
}

func (s *Schema) Scalars() []Field    { return s.ByRole(RoleScalar) }
func (s *Schema) Quantities() []Field { return s.ByRole(RoleQuantity) }
func (s *Schema) Arrays() []Field     { return s.ByRole(RoleArray) }
func (s *Schema) Parents() []Field    { return s.ByRole(RoleParent) }
func (s *Schema) Children() []Field   { return s.ByRole(RoleChild) }
func (s *Schema) Refs() []Field       { return s.ByRole(RoleRefs) }

// ParentFieldFor returns the field on s pointing at parent kind p.
func (s *Schema) ParentFieldFor(p Kind) (Field, bool) {
	for _, f := range s.Fields {
		if f.Role == RoleParent && f.Target == p {
			return f, true
		}
	}
	return Field{}, false
}

// ChildFieldFor returns the child set on s holding kind c.
func (s *Schema) ChildFieldFor(c Kind) (Field, bool) {
	for _, f := range s.Fields {
		if f.Role == RoleChild && f.Target == c {
			return f, true
		}
	}
	return Field{}, false
}

// WireName is the key a field uses in the serialized "fields" map.
func (f Field) WireName() string { return f.Name }

// BaseName strips the "_set" suffix of child fields.
func (f Field) BaseName() string { return strings.TrimSuffix(f.Name, "_set") }

func str(name string) Field { return Field{Name: name, Role: RoleScalar, Domain: DomainString} }

func obligatory(f Field) Field {
	f.Obligatory = true
	return f
}

func integer(name string) Field { return Field{Name: name, Role: RoleScalar, Domain: DomainInt} }

func strList(name string) Field {
	return Field{Name: name, Role: RoleScalar, Domain: DomainStringList}
}

func quantity(name string) Field {
	return Field{Name: name, Role: RoleQuantity, Domain: DomainQuantity}
}

func array(name string) Field { return Field{Name: name, Role: RoleArray, Domain: DomainArray} }

func parent(k Kind) Field {
	return Field{Name: string(k), Role: RoleParent, Domain: DomainRef, Target: k}
}

func children(k Kind) Field {
	return Field{Name: string(k) + "_set", Role: RoleChild, Domain: DomainRefList, Target: k}
}

func metadataRefs() Field {
	return Field{Name: "metadata", Role: RoleRefs, Domain: DomainRefList, Target: KindValue}
}

func init() {
	Register(KindBlock,
		obligatory(str("name")), str("description"), str("filedatetime"), integer("index"), str("file_origin"),
		parent(KindSection),
		children(KindSegment), children(KindRecordingChannelGroup),
		metadataRefs(),
	)
	Register(KindSegment,
		obligatory(str("name")), str("description"), str("filedatetime"), integer("index"), str("file_origin"),
		parent(KindBlock),
		children(KindAnalogSignal), children(KindAnalogSignalArray), children(KindIrregularlySampledSignal),
		children(KindSpikeTrain), children(KindSpike), children(KindEvent), children(KindEventArray),
		children(KindEpoch), children(KindEpochArray),
		metadataRefs(),
	)
	Register(KindEventArray,
		str("name"), str("description"), str("file_origin"), strList("labels"), obligatory(array("times")),
		parent(KindSegment),
		children(KindEvent),
		metadataRefs(),
	)
	Register(KindEvent,
		str("name"), str("description"), obligatory(str("label")), obligatory(quantity("time")),
		parent(KindSegment), parent(KindEventArray),
		metadataRefs(),
	)
	Register(KindEpochArray,
		str("name"), str("description"), strList("labels"), obligatory(array("times")), obligatory(array("durations")),
		parent(KindSegment),
		children(KindEpoch),
		metadataRefs(),
	)
	Register(KindEpoch,
		str("name"), str("description"), obligatory(str("label")), obligatory(quantity("time")), obligatory(quantity("duration")),
		parent(KindSegment), parent(KindEpochArray),
		metadataRefs(),
	)
	Register(KindRecordingChannelGroup,
		obligatory(str("name")), str("description"), strList("channel_names"), strList("channel_indexes"),
		parent(KindBlock),
		children(KindRecordingChannel), children(KindUnit), children(KindAnalogSignalArray),
		metadataRefs(),
	)
	Register(KindRecordingChannel,
		obligatory(str("name")), str("description"), integer("index"),
		parent(KindRecordingChannelGroup),
		children(KindAnalogSignal), children(KindIrregularlySampledSignal),
		metadataRefs(),
	)
	Register(KindUnit,
		obligatory(str("name")), str("description"),
		parent(KindRecordingChannelGroup),
		children(KindSpikeTrain), children(KindSpike),
		metadataRefs(),
	)
	Register(KindSpikeTrain,
		str("name"), str("description"), obligatory(array("times")),
		obligatory(quantity("t_start")), obligatory(quantity("t_stop")),
		array("waveforms"), quantity("left_sweep"), quantity("sampling_rate"),
		parent(KindSegment), parent(KindUnit),
		metadataRefs(),
	)
	Register(KindSpike,
		str("name"), str("description"), obligatory(quantity("time")),
		array("waveforms"), quantity("left_sweep"), quantity("sampling_rate"),
		parent(KindSegment), parent(KindUnit),
		metadataRefs(),
	)
	Register(KindAnalogSignalArray,
		str("name"), str("description"), obligatory(array("signal")),
		obligatory(quantity("sampling_rate")), obligatory(quantity("t_start")),
		parent(KindSegment), parent(KindRecordingChannelGroup),
		metadataRefs(),
	)
	Register(KindAnalogSignal,
		str("name"), str("description"), obligatory(array("signal")),
		obligatory(quantity("sampling_rate")), obligatory(quantity("t_start")),
		parent(KindSegment), parent(KindRecordingChannel),
		metadataRefs(),
	)
	Register(KindIrregularlySampledSignal,
		str("name"), str("description"), obligatory(array("signal")), obligatory(array("times")),
		quantity("t_start"),
		parent(KindSegment), parent(KindRecordingChannel),
		metadataRefs(),
	)
	Register(KindSection,
		obligatory(str("name")), obligatory(str("type")), str("reference"), str("definition"),
		str("link"), str("include"), str("repository"), str("mapping"),
		parent(KindSection),
		children(KindSection), children(KindProperty), children(KindDataFile), children(KindBlock),
	)
	Register(KindProperty,
		obligatory(str("name")), str("definition"), str("mapping"), str("dependency"),
		str("dependency_value"), str("unit"),
		parent(KindSection),
		children(KindValue),
	)
	Register(KindValue,
		obligatory(Field{Name: "value", Role: RoleScalar, Domain: DomainNumberOrString}),
		Field{Name: "uncertainty", Role: RoleScalar, Domain: DomainNumberOrString},
		str("unit"), str("reference"), str("filename"), str("encoder"), str("checksum"), str("definition"),
		parent(KindProperty),
	)
	Register(KindDataFile,
		str("name"), str("caption"),
		parent(KindSection),
	)
}
