// Package neo holds the domain objects users work with: the electrophysiology
// containers, signals and annotations, plus the odML style metadata tree.
// Objects link to each other through Ref and RefList, which resolve lazily
// from a Resolver once an object came out of the store.
package neo

import (
	"fmt"

	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/units"
)

// Object is implemented by every domain type.
type Object interface {
	Kind() model.Kind
	// Location is the canonical server location, "" until saved.
	Location() string
	SetLocation(loc string)
	// Bind exposes the fields of the object by schema field name.
	Bind() []Binding
}

// Named is implemented by objects with a name.
type Named interface {
	GetName() string
}

// Binding pairs a schema field name with a pointer to the struct field that
// holds it. Ptr is one of *string, *int, *[]string, *any, *units.Quantity,
// **units.Quantity, **units.QuantityArray, Reference or ReferenceList.
type Binding struct {
	Name string
	Ptr  any
}

// Base carries the back reference to the server location.
type Base struct {
	loc string
}

func (b *Base) Location() string { return b.loc }

func (b *Base) SetLocation(loc string) { b.loc = model.CanonicalLocation(loc) }

// Lookup returns the binding of o named name.
func Lookup(o Object, name string) (Binding, bool) {
	for _, b := range o.Bind() {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

// ParentRef returns the reference field of o that points at kind.
func ParentRef(o Object, kind model.Kind) (Reference, bool) {
	s := model.SchemaOf(o.Kind())
	if s == nil {
		return nil, false
	}
	f, ok := s.ParentFieldFor(kind)
	if !ok {
		return nil, false
	}
	b, ok := Lookup(o, f.Name)
	if !ok {
		return nil, false
	}
	r, ok := b.Ptr.(Reference)
	return r, ok
}

// ChildList returns the child set of o named name.
func ChildList(o Object, name string) (ReferenceList, bool) {
	b, ok := Lookup(o, name)
	if !ok {
		return nil, false
	}
	l, ok := b.Ptr.(ReferenceList)
	return l, ok
}

// New returns an empty object of kind.
func New(kind model.Kind) (Object, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("neo: no domain type for kind %q", kind)
	}
	return ctor(), nil
}

var constructors = map[model.Kind]func() Object{
	model.KindBlock:                    func() Object { return &Block{} },
	model.KindSegment:                  func() Object { return &Segment{} },
	model.KindEventArray:               func() Object { return &EventArray{} },
	model.KindEvent:                    func() Object { return &Event{} },
	model.KindEpochArray:               func() Object { return &EpochArray{} },
	model.KindEpoch:                    func() Object { return &Epoch{} },
	model.KindRecordingChannelGroup:    func() Object { return &RecordingChannelGroup{} },
	model.KindRecordingChannel:         func() Object { return &RecordingChannel{} },
	model.KindUnit:                     func() Object { return &Unit{} },
	model.KindSpikeTrain:               func() Object { return &SpikeTrain{} },
	model.KindSpike:                    func() Object { return &Spike{} },
	model.KindAnalogSignalArray:        func() Object { return &AnalogSignalArray{} },
	model.KindAnalogSignal:             func() Object { return &AnalogSignal{} },
	model.KindIrregularlySampledSignal: func() Object { return &IrregularlySampledSignal{} },
	model.KindSection:                  func() Object { return &Section{} },
	model.KindProperty:                 func() Object { return &Property{} },
	model.KindValue:                    func() Object { return &Value{} },
	model.KindDataFile:                 func() Object { return &DataFile{} },
}

// Annotated is the name, description and metadata shared by the
// electrophysiology kinds.
type Annotated struct {
	Base
	Name        string
	Description string
	Metadata    RefList[*Value]
}

func (a *Annotated) GetName() string { return a.Name }

func (a *Annotated) bind() []Binding {
	return []Binding{
		{"name", &a.Name},
		{"description", &a.Description},
		{"metadata", &a.Metadata},
	}
}

// Block is the top level container of a recording.
type Block struct {
	Annotated
	FileDatetime string
	Index        int
	FileOrigin   string

	Section                Ref[*Section]
	Segments               RefList[*Segment]
	RecordingChannelGroups RefList[*RecordingChannelGroup]
}

func (*Block) Kind() model.Kind { return model.KindBlock }

func (b *Block) Bind() []Binding {
	return append(b.bind(),
		Binding{"filedatetime", &b.FileDatetime},
		Binding{"index", &b.Index},
		Binding{"file_origin", &b.FileOrigin},
		Binding{"section", &b.Section},
		Binding{"segment_set", &b.Segments},
		Binding{"recordingchannelgroup_set", &b.RecordingChannelGroups},
	)
}

// Segment groups the data recorded over one period of time.
type Segment struct {
	Annotated
	FileDatetime string
	Index        int
	FileOrigin   string

	Block                     Ref[*Block]
	AnalogSignals             RefList[*AnalogSignal]
	AnalogSignalArrays        RefList[*AnalogSignalArray]
	IrregularlySampledSignals RefList[*IrregularlySampledSignal]
	SpikeTrains               RefList[*SpikeTrain]
	Spikes                    RefList[*Spike]
	Events                    RefList[*Event]
	EventArrays               RefList[*EventArray]
	Epochs                    RefList[*Epoch]
	EpochArrays               RefList[*EpochArray]
}

func (*Segment) Kind() model.Kind { return model.KindSegment }

func (s *Segment) Bind() []Binding {
	return append(s.bind(),
		Binding{"filedatetime", &s.FileDatetime},
		Binding{"index", &s.Index},
		Binding{"file_origin", &s.FileOrigin},
		Binding{"block", &s.Block},
		Binding{"analogsignal_set", &s.AnalogSignals},
		Binding{"analogsignalarray_set", &s.AnalogSignalArrays},
		Binding{"irregularlysampledsignal_set", &s.IrregularlySampledSignals},
		Binding{"spiketrain_set", &s.SpikeTrains},
		Binding{"spike_set", &s.Spikes},
		Binding{"event_set", &s.Events},
		Binding{"eventarray_set", &s.EventArrays},
		Binding{"epoch_set", &s.Epochs},
		Binding{"epocharray_set", &s.EpochArrays},
	)
}

type EventArray struct {
	Annotated
	FileOrigin string
	Labels     []string
	Times      *units.QuantityArray

	Segment Ref[*Segment]
	Events  RefList[*Event]
}

func (*EventArray) Kind() model.Kind { return model.KindEventArray }

func (e *EventArray) Bind() []Binding {
	return append(e.bind(),
		Binding{"file_origin", &e.FileOrigin},
		Binding{"labels", &e.Labels},
		Binding{"times", &e.Times},
		Binding{"segment", &e.Segment},
		Binding{"event_set", &e.Events},
	)
}

type Event struct {
	Annotated
	Label string
	Time  units.Quantity

	Segment    Ref[*Segment]
	EventArray Ref[*EventArray]
}

func (*Event) Kind() model.Kind { return model.KindEvent }

func (e *Event) Bind() []Binding {
	return append(e.bind(),
		Binding{"label", &e.Label},
		Binding{"time", &e.Time},
		Binding{"segment", &e.Segment},
		Binding{"eventarray", &e.EventArray},
	)
}

type EpochArray struct {
	Annotated
	Labels    []string
	Times     *units.QuantityArray
	Durations *units.QuantityArray

	Segment Ref[*Segment]
	Epochs  RefList[*Epoch]
}

func (*EpochArray) Kind() model.Kind { return model.KindEpochArray }

func (e *EpochArray) Bind() []Binding {
	return append(e.bind(),
		Binding{"labels", &e.Labels},
		Binding{"times", &e.Times},
		Binding{"durations", &e.Durations},
		Binding{"segment", &e.Segment},
		Binding{"epoch_set", &e.Epochs},
	)
}

type Epoch struct {
	Annotated
	Label    string
	Time     units.Quantity
	Duration units.Quantity

	Segment    Ref[*Segment]
	EpochArray Ref[*EpochArray]
}

func (*Epoch) Kind() model.Kind { return model.KindEpoch }

func (e *Epoch) Bind() []Binding {
	return append(e.bind(),
		Binding{"label", &e.Label},
		Binding{"time", &e.Time},
		Binding{"duration", &e.Duration},
		Binding{"segment", &e.Segment},
		Binding{"epocharray", &e.EpochArray},
	)
}

// RecordingChannelGroup groups channels recorded together, e.g. a tetrode.
type RecordingChannelGroup struct {
	Annotated
	ChannelNames   []string
	ChannelIndexes []string

	Block              Ref[*Block]
	RecordingChannels  RefList[*RecordingChannel]
	Units              RefList[*Unit]
	AnalogSignalArrays RefList[*AnalogSignalArray]
}

func (*RecordingChannelGroup) Kind() model.Kind { return model.KindRecordingChannelGroup }

func (g *RecordingChannelGroup) Bind() []Binding {
	return append(g.bind(),
		Binding{"channel_names", &g.ChannelNames},
		Binding{"channel_indexes", &g.ChannelIndexes},
		Binding{"block", &g.Block},
		Binding{"recordingchannel_set", &g.RecordingChannels},
		Binding{"unit_set", &g.Units},
		Binding{"analogsignalarray_set", &g.AnalogSignalArrays},
	)
}

type RecordingChannel struct {
	Annotated
	Index int

	RecordingChannelGroup     Ref[*RecordingChannelGroup]
	AnalogSignals             RefList[*AnalogSignal]
	IrregularlySampledSignals RefList[*IrregularlySampledSignal]
}

func (*RecordingChannel) Kind() model.Kind { return model.KindRecordingChannel }

func (c *RecordingChannel) Bind() []Binding {
	return append(c.bind(),
		Binding{"index", &c.Index},
		Binding{"recordingchannelgroup", &c.RecordingChannelGroup},
		Binding{"analogsignal_set", &c.AnalogSignals},
		Binding{"irregularlysampledsignal_set", &c.IrregularlySampledSignals},
	)
}

// Unit is a putative neuron; its spikes come from spike sorting.
type Unit struct {
	Annotated

	RecordingChannelGroup Ref[*RecordingChannelGroup]
	SpikeTrains           RefList[*SpikeTrain]
	Spikes                RefList[*Spike]
}

func (*Unit) Kind() model.Kind { return model.KindUnit }

func (u *Unit) Bind() []Binding {
	return append(u.bind(),
		Binding{"recordingchannelgroup", &u.RecordingChannelGroup},
		Binding{"spiketrain_set", &u.SpikeTrains},
		Binding{"spike_set", &u.Spikes},
	)
}

type SpikeTrain struct {
	Annotated
	Times        *units.QuantityArray
	TStart       units.Quantity
	TStop        units.Quantity
	Waveforms    *units.QuantityArray
	LeftSweep    *units.Quantity
	SamplingRate *units.Quantity

	Segment Ref[*Segment]
	Unit    Ref[*Unit]
}

func (*SpikeTrain) Kind() model.Kind { return model.KindSpikeTrain }

func (s *SpikeTrain) Bind() []Binding {
	return append(s.bind(),
		Binding{"times", &s.Times},
		Binding{"t_start", &s.TStart},
		Binding{"t_stop", &s.TStop},
		Binding{"waveforms", &s.Waveforms},
		Binding{"left_sweep", &s.LeftSweep},
		Binding{"sampling_rate", &s.SamplingRate},
		Binding{"segment", &s.Segment},
		Binding{"unit", &s.Unit},
	)
}

type Spike struct {
	Annotated
	Time         units.Quantity
	Waveforms    *units.QuantityArray
	LeftSweep    *units.Quantity
	SamplingRate *units.Quantity

	Segment Ref[*Segment]
	Unit    Ref[*Unit]
}

func (*Spike) Kind() model.Kind { return model.KindSpike }

func (s *Spike) Bind() []Binding {
	return append(s.bind(),
		Binding{"time", &s.Time},
		Binding{"waveforms", &s.Waveforms},
		Binding{"left_sweep", &s.LeftSweep},
		Binding{"sampling_rate", &s.SamplingRate},
		Binding{"segment", &s.Segment},
		Binding{"unit", &s.Unit},
	)
}

// AnalogSignalArray holds several regularly sampled channels in one array.
type AnalogSignalArray struct {
	Annotated
	Signal       *units.QuantityArray
	SamplingRate units.Quantity
	TStart       units.Quantity

	Segment               Ref[*Segment]
	RecordingChannelGroup Ref[*RecordingChannelGroup]
}

func (*AnalogSignalArray) Kind() model.Kind { return model.KindAnalogSignalArray }

func (a *AnalogSignalArray) Bind() []Binding {
	return append(a.bind(),
		Binding{"signal", &a.Signal},
		Binding{"sampling_rate", &a.SamplingRate},
		Binding{"t_start", &a.TStart},
		Binding{"segment", &a.Segment},
		Binding{"recordingchannelgroup", &a.RecordingChannelGroup},
	)
}

// AnalogSignal is one regularly sampled channel.
type AnalogSignal struct {
	Annotated
	Signal       *units.QuantityArray
	SamplingRate units.Quantity
	TStart       units.Quantity

	Segment          Ref[*Segment]
	RecordingChannel Ref[*RecordingChannel]
}

func (*AnalogSignal) Kind() model.Kind { return model.KindAnalogSignal }

func (a *AnalogSignal) Bind() []Binding {
	return append(a.bind(),
		Binding{"signal", &a.Signal},
		Binding{"sampling_rate", &a.SamplingRate},
		Binding{"t_start", &a.TStart},
		Binding{"segment", &a.Segment},
		Binding{"recordingchannel", &a.RecordingChannel},
	)
}

type IrregularlySampledSignal struct {
	Annotated
	Signal *units.QuantityArray
	Times  *units.QuantityArray
	TStart *units.Quantity

	Segment          Ref[*Segment]
	RecordingChannel Ref[*RecordingChannel]
}

func (*IrregularlySampledSignal) Kind() model.Kind { return model.KindIrregularlySampledSignal }

func (s *IrregularlySampledSignal) Bind() []Binding {
	return append(s.bind(),
		Binding{"signal", &s.Signal},
		Binding{"times", &s.Times},
		Binding{"t_start", &s.TStart},
		Binding{"segment", &s.Segment},
		Binding{"recordingchannel", &s.RecordingChannel},
	)
}

// Section is a node of the metadata tree.
type Section struct {
	Base
	Name       string
	Type       string
	Reference  string
	Definition string
	Link       string
	Include    string
	Repository string
	Mapping    string

	Parent     Ref[*Section]
	Sections   RefList[*Section]
	Properties RefList[*Property]
	DataFiles  RefList[*DataFile]
	Blocks     RefList[*Block]
}

func (*Section) Kind() model.Kind { return model.KindSection }

func (s *Section) GetName() string { return s.Name }

func (s *Section) Bind() []Binding {
	return []Binding{
		{"name", &s.Name},
		{"type", &s.Type},
		{"reference", &s.Reference},
		{"definition", &s.Definition},
		{"link", &s.Link},
		{"include", &s.Include},
		{"repository", &s.Repository},
		{"mapping", &s.Mapping},
		{"section", &s.Parent},
		{"section_set", &s.Sections},
		{"property_set", &s.Properties},
		{"datafile_set", &s.DataFiles},
		{"block_set", &s.Blocks},
	}
}

// Property is a named attribute of a section holding one or more values.
type Property struct {
	Base
	Name            string
	Definition      string
	Mapping         string
	Dependency      string
	DependencyValue string
	Unit            string

	Section Ref[*Section]
	Values  RefList[*Value]
}

func (*Property) Kind() model.Kind { return model.KindProperty }

func (p *Property) GetName() string { return p.Name }

func (p *Property) Bind() []Binding {
	return []Binding{
		{"name", &p.Name},
		{"definition", &p.Definition},
		{"mapping", &p.Mapping},
		{"dependency", &p.Dependency},
		{"dependency_value", &p.DependencyValue},
		{"unit", &p.Unit},
		{"section", &p.Section},
		{"value_set", &p.Values},
	}
}

// Value is a single entry of a property. Data and Uncertainty hold a number
// or a string.
type Value struct {
	Base
	Data        any
	Uncertainty any
	Unit        string
	Reference   string
	Filename    string
	Encoder     string
	Checksum    string
	Definition  string

	Property Ref[*Property]
}

func (*Value) Kind() model.Kind { return model.KindValue }

func (v *Value) Bind() []Binding {
	return []Binding{
		{"value", &v.Data},
		{"uncertainty", &v.Uncertainty},
		{"unit", &v.Unit},
		{"reference", &v.Reference},
		{"filename", &v.Filename},
		{"encoder", &v.Encoder},
		{"checksum", &v.Checksum},
		{"definition", &v.Definition},
		{"property", &v.Property},
	}
}

// DataFile is an uploaded file attached to a section.
type DataFile struct {
	Base
	Name    string
	Caption string

	Section Ref[*Section]
}

func (*DataFile) Kind() model.Kind { return model.KindDataFile }

func (d *DataFile) GetName() string { return d.Name }

func (d *DataFile) Bind() []Binding {
	return []Binding{
		{"name", &d.Name},
		{"caption", &d.Caption},
		{"section", &d.Section},
	}
}
