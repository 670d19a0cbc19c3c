package model

// Kind is the entity type tag. It selects the schema and the URL category.
type Kind string

const (
	KindBlock                    Kind = "block"
	KindSegment                  Kind = "segment"
	KindEventArray               Kind = "eventarray"
	KindEvent                    Kind = "event"
	KindEpochArray               Kind = "epocharray"
	KindEpoch                    Kind = "epoch"
	KindRecordingChannelGroup    Kind = "recordingchannelgroup"
	KindRecordingChannel         Kind = "recordingchannel"
	KindUnit                     Kind = "unit"
	KindSpikeTrain               Kind = "spiketrain"
	KindSpike                    Kind = "spike"
	KindAnalogSignalArray        Kind = "analogsignalarray"
	KindAnalogSignal             Kind = "analogsignal"
	KindIrregularlySampledSignal Kind = "irregularlysampledsignal"
	KindSection                  Kind = "section"
	KindProperty                 Kind = "property"
	KindValue                    Kind = "value"
	KindDataFile                 Kind = "datafile"
)

// Category is the first path segment of a location.
type Category string

const (
	CategoryEphys     Category = "electrophysiology"
	CategoryMetadata  Category = "metadata"
	CategoryDataFiles Category = "datafiles"
)

// Kinds lists every kind in hierarchy order, roots first.
var Kinds = []Kind{
	KindBlock, KindSegment, KindEventArray, KindEvent, KindEpochArray, KindEpoch,
	KindRecordingChannelGroup, KindRecordingChannel, KindUnit, KindSpikeTrain, KindSpike,
	KindAnalogSignalArray, KindAnalogSignal, KindIrregularlySampledSignal,
	KindSection, KindProperty, KindValue, KindDataFile,
}

func (k Kind) Category() Category {
	switch k {
	case KindSection, KindProperty, KindValue:
		return CategoryMetadata
	case KindDataFile:
		return CategoryDataFiles
	}
	return CategoryEphys
}

// IsMetadata reports whether k belongs to the metadata tree.
func (k Kind) IsMetadata() bool { return k.Category() == CategoryMetadata }

func (k Kind) Valid() bool {
	_, ok := registry[k]
	return ok
}

// Model is the "<category>.<kind>" tag of the wire format.
func (k Kind) Model() string {
	return string(k.Category()) + "." + string(k)
}

// SignalLike reports whether list queries on k accept time slicing options.
func (k Kind) SignalLike() bool {
	switch k {
	case KindAnalogSignal, KindAnalogSignalArray, KindIrregularlySampledSignal, KindSpikeTrain:
		return true
	}
	return false
}
