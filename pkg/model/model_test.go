package model

import (
	"errors"
	"testing"

	"github.com/i5heu/gnode/pkg/fault"
	"github.com/i5heu/gnode/pkg/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseLocationForms(t *testing.T) {
	for _, in := range []string{
		"/electrophysiology/block/42",
		"/electrophysiology/block/42/",
		"electrophysiology/block/42",
		"http://example.org/electrophysiology/block/42",
		"https://example.org/electrophysiology/block/42/",
	} {
		l, err := ParseLocation(in)
		require.NoError(t, err, in)
		assert.Equal(t, "/electrophysiology/block/42", l.String(), in)
		assert.Equal(t, KindBlock, l.Kind)
	}
	assert.Equal(t, "http://h/metadata/section/7/", NewLocation(KindSection, "7").Permalink("http://h/"))
}

func TestParseLocationBelowBasePath(t *testing.T) {
	base := "https://portal.g-node.org/data"
	link := NewLocation(KindBlock, "1").Permalink(base)
	assert.Equal(t, "https://portal.g-node.org/data/electrophysiology/block/1/", link)
	l, err := ParseLocation(link)
	require.NoError(t, err)
	assert.Equal(t, NewLocation(KindBlock, "1"), l)
	assert.Equal(t, "/metadata/value/9", CanonicalLocation("/data/metadata/value/9/"))

	_, err = ParseLocation(base + "/electrophysiology/block/1/extra")
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestParseLocationRejects(t *testing.T) {
	for _, in := range []string{"", "/block/42", "/metadata/block/42", "/electrophysiology/bogus/1"} {
		_, err := ParseLocation(in)
		assert.True(t, errors.Is(err, fault.ErrValidation), in)
	}
}

func TestCategoryRouting(t *testing.T) {
	assert.Equal(t, CategoryMetadata, KindProperty.Category())
	assert.Equal(t, CategoryDataFiles, KindDataFile.Category())
	assert.Equal(t, CategoryEphys, KindSpikeTrain.Category())
	assert.Equal(t, "/metadata/value/", CollectionPath(KindValue))
}

func TestRegistryReflection(t *testing.T) {
	s := SchemaOf(KindAnalogSignal)
	require.NotNil(t, s)

	names := func(fs []Field) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.Name)
		}
		return out
	}
	assert.Equal(t, []string{"signal", "sampling_rate", "t_start"}, names(s.Obligatory()))
	assert.Equal(t, []string{"segment", "recordingchannel"}, names(s.Parents()))
	assert.Equal(t, []string{"signal"}, names(s.Arrays()))
	assert.Empty(t, s.Children())

	seg := SchemaOf(KindSegment)
	f, ok := seg.ChildFieldFor(KindAnalogSignal)
	require.True(t, ok)
	assert.Equal(t, "analogsignal_set", f.Name)
	assert.Equal(t, "analogsignal", f.BaseName())

	p, ok := s.ParentFieldFor(KindSegment)
	require.True(t, ok)
	assert.Equal(t, "segment", p.Name)
}

func TestEveryChildSetHasParentField(t *testing.T) {
	for _, k := range Kinds {
		for _, f := range SchemaOf(k).Children() {
			_, ok := SchemaOf(f.Target).ParentFieldFor(k)
			assert.True(t, ok, "%s.%s has no back reference", k, f.Name)
		}
	}
}

func TestSetValidation(t *testing.T) {
	e, err := NewEntity(KindAnalogSignal)
	require.NoError(t, err)

	assert.NoError(t, e.Set("name", "lfp"))
	assert.True(t, errors.Is(e.Set("name", 3), fault.ErrValidation))
	assert.True(t, errors.Is(e.Set("nope", "x"), fault.ErrValidation))

	assert.NoError(t, e.Set("sampling_rate", units.Q(1, "kHz")))
	assert.True(t, errors.Is(e.Set("sampling_rate", QuantityValue{Data: 1, Units: "parsec"}), fault.ErrValidation))

	assert.NoError(t, e.Set("segment", "http://h/electrophysiology/segment/9"))
	assert.Equal(t, "/electrophysiology/segment/9", e.Ref("segment"))
	assert.True(t, errors.Is(e.Set("segment", "/electrophysiology/block/9"), fault.ErrValidation))

	parent, _ := NewEntity(KindSegment)
	assert.True(t, errors.Is(e.Set("segment", parent), fault.ErrDependency))
	parent.ID = "11"
	assert.NoError(t, e.Set("segment", parent))
	assert.Equal(t, "/electrophysiology/segment/11", e.Ref("segment"))

	assert.NoError(t, e.Set("segment", nil))
	assert.Empty(t, e.Ref("segment"))
}

func TestValidateObligatory(t *testing.T) {
	e, _ := NewEntity(KindBlock)
	assert.True(t, errors.Is(e.Validate(), fault.ErrValidation))
	e.MustSet("name", "b")
	assert.NoError(t, e.Validate())

	v, _ := NewEntity(KindValue)
	assert.True(t, errors.Is(v.Validate(), fault.ErrValidation))
	v.MustSet("value", 0)
	assert.NoError(t, v.Validate(), "zero is a value")
	v.MustSet("value", "")
	assert.True(t, errors.Is(v.Validate(), fault.ErrValidation))
}

func TestWireRoundTrip(t *testing.T) {
	e, _ := NewEntity(KindAnalogSignal)
	e.ID = "5"
	e.GUID = "g1"
	e.SafetyLevel = 3
	e.MustSet("name", "sig").
		MustSet("signal", ArrayRef{Data: "http://h/datafiles/datafile/77/", Units: "mV"}).
		MustSet("sampling_rate", QuantityValue{Data: 1000, Units: "Hz"}).
		MustSet("t_start", QuantityValue{Data: 0, Units: "s"}).
		MustSet("segment", "/electrophysiology/segment/3").
		MustSet("metadata", []string{"/metadata/value/1", "/metadata/value/2"})

	data, err := e.Marshal("http://h")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"segment":"http://h/electrophysiology/segment/3/"`)
	assert.Contains(t, string(data), `"model":"electrophysiology.analogsignal"`)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "5", back.ID)
	assert.Equal(t, "g1", back.GUID)
	assert.Equal(t, 3, back.SafetyLevel)
	assert.True(t, e.ContentEqual(back))
	assert.Equal(t, "/electrophysiology/analogsignal/5", back.Location())
}

func TestUnmarshalToleratesUnterminatedPermalinks(t *testing.T) {
	raw := `{"id":"1","permalink":"http://h/electrophysiology/segment/1","model":"electrophysiology.segment",
	"fields":{"name":"s","block":"http://h/electrophysiology/block/2","analogsignal_set":["http://h/electrophysiology/analogsignal/3"],"extra":"ignored"}}`
	e, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "/electrophysiology/block/2", e.Ref("block"))
	assert.Equal(t, []string{"/electrophysiology/analogsignal/3"}, e.RefList("analogsignal_set"))
}

func TestContentEqualIgnoresChildSets(t *testing.T) {
	a, _ := NewEntity(KindBlock)
	a.MustSet("name", "b")
	b := a.Copy()
	b.MustSet("segment_set", []string{"/electrophysiology/segment/1"})
	assert.True(t, a.ContentEqual(b))
	b.MustSet("name", "c")
	assert.False(t, a.ContentEqual(b))
}

func TestCopyDoesNotAlias(t *testing.T) {
	a, _ := NewEntity(KindBlock)
	a.MustSet("metadata", []string{"/metadata/value/1"})
	b := a.Copy()
	b.RefList("metadata")[0] = "changed"
	assert.Equal(t, "/metadata/value/1", a.RefList("metadata")[0])
}

func TestWireRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, _ := NewEntity(KindSpikeTrain)
		e.ID = rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "id")
		e.GUID = rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "guid")
		e.MustSet("name", rapid.String().Draw(t, "name"))
		e.MustSet("t_start", QuantityValue{
			Data:  rapid.Float64Range(-1e6, 1e6).Draw(t, "tstart"),
			Units: rapid.SampledFrom([]string{"s", "ms", "µs"}).Draw(t, "tunit"),
		})
		e.MustSet("t_stop", QuantityValue{Data: rapid.Float64Range(0, 1e6).Draw(t, "tstop"), Units: "s"})
		e.MustSet("times", ArrayRef{Data: "/datafiles/datafile/" + e.ID + "/", Units: "s"})
		if rapid.Bool().Draw(t, "withUnit") {
			e.MustSet("unit", "/electrophysiology/unit/"+rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "unit"))
		}

		data, err := e.Marshal("")
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !e.ContentEqual(back) || back.GUID != e.GUID || back.ID != e.ID {
			t.Fatalf("round trip changed entity: %#v vs %#v", e, back)
		}
	})
}
