package remote

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/i5heu/gnode/pkg/model"
)

// Level selects how much of each entity a list answer carries.
type Level string

const (
	LevelFull  Level = "full"
	LevelInfo  Level = "info"
	LevelData  Level = "data"
	LevelLink  Level = "link"
	LevelBeard Level = "beard"
)

// Filters are field predicates forwarded verbatim. Keys may carry lookup
// suffixes such as name__icontains or id__in.
type Filters map[string]any

// TimeSlice restricts the samples returned for signal-like kinds. Nil fields
// are not sent.
type TimeSlice struct {
	StartTime    *float64
	EndTime      *float64
	Duration     *float64
	StartIndex   *int
	EndIndex     *int
	SamplesCount *int
	Downsample   *int
}

// Query is a list request.
type Query struct {
	Filters    Filters
	MaxResults int
	Offset     int
	Level      Level
	Slice      *TimeSlice
}

// Float and Int build the optional fields of a TimeSlice.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }

func formatFilter(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case []string:
		return strings.Join(x, ",")
	case []int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, ",")
	case model.Locator:
		if l, err := model.ParseLocation(x.Location()); err == nil {
			return l.ID
		}
		return x.Location()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Values renders the query string for kind.
func (q Query) Values(kind model.Kind) url.Values {
	v := url.Values{}
	for key, val := range q.Filters {
		v.Set(key, formatFilter(val))
	}
	if q.MaxResults > 0 {
		v.Set("max_results", strconv.Itoa(q.MaxResults))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Level != "" {
		v.Set("q", string(q.Level))
	}
	if q.Slice != nil && kind.SignalLike() {
		q.Slice.apply(v)
	}
	return v
}

func (s *TimeSlice) apply(v url.Values) {
	setF := func(k string, f *float64) {
		if f != nil {
			v.Set(k, strconv.FormatFloat(*f, 'f', -1, 64))
		}
	}
	setI := func(k string, i *int) {
		if i != nil {
			v.Set(k, strconv.Itoa(*i))
		}
	}
	setF("start_time", s.StartTime)
	setF("end_time", s.EndTime)
	setF("duration", s.Duration)
	setI("start_index", s.StartIndex)
	setI("end_index", s.EndIndex)
	setI("samples_count", s.SamplesCount)
	setI("downsample", s.Downsample)
}

// Key identifies a list query; url.Values.Encode sorts, so equal queries
// produce equal keys.
func (q Query) Key(kind model.Kind) string {
	enc := q.Values(kind).Encode()
	if enc == "" {
		return model.CollectionPath(kind)
	}
	return model.CollectionPath(kind) + "?" + enc
}

// filterKeys is used in logs.
func (q Query) filterKeys() []string {
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
