package exporter

import (
	"fmt"
	"strings"

	"github.com/VladMinzatu/tracesym/internal/profiler"
	"github.com/VladMinzatu/tracesym/internal/symbolizer"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
)

type NowFunc func() uint64 // produces unix nsec

const (
	scopeName    = "tracesym"
	scopeVersion = "v1"
)

type functionKey struct {
	name, file string
}

// dictionary accumulates the shared OTLP tables. Index 0 of every table is
// the empty default entry.
type dictionary struct {
	strings   []string
	mappings  []*profilespb.Mapping
	locations []*profilespb.Location
	functions []*profilespb.Function
	stacks    []*profilespb.Stack

	stringIdx   map[string]int32
	mappingIdx  map[string]int32
	locationIdx map[uint64]int32
	functionIdx map[functionKey]int32
	stackIdx    map[string]int32
}

func newDictionary() *dictionary {
	return &dictionary{
		strings:     []string{""},
		mappings:    []*profilespb.Mapping{{}},
		locations:   []*profilespb.Location{{}},
		functions:   []*profilespb.Function{{}},
		stacks:      []*profilespb.Stack{{}},
		stringIdx:   map[string]int32{"": 0},
		mappingIdx:  map[string]int32{"": 0},
		locationIdx: map[uint64]int32{},
		functionIdx: map[functionKey]int32{},
		stackIdx:    map[string]int32{},
	}
}

func (d *dictionary) str(s string) int32 {
	if i, ok := d.stringIdx[s]; ok {
		return i
	}
	d.strings = append(d.strings, s)
	i := int32(len(d.strings) - 1)
	d.stringIdx[s] = i
	return i
}

func (d *dictionary) mapping(object string) int32 {
	if i, ok := d.mappingIdx[object]; ok {
		return i
	}
	d.mappings = append(d.mappings, &profilespb.Mapping{FilenameStrindex: d.str(object)})
	i := int32(len(d.mappings) - 1)
	d.mappingIdx[object] = i
	return i
}

func (d *dictionary) function(name, file string) int32 {
	key := functionKey{name, file}
	if i, ok := d.functionIdx[key]; ok {
		return i
	}
	nameIdx := d.str(name)
	d.functions = append(d.functions, &profilespb.Function{
		NameStrindex:       nameIdx,
		SystemNameStrindex: nameIdx,
		FilenameStrindex:   d.str(file),
	})
	i := int32(len(d.functions) - 1)
	d.functionIdx[key] = i
	return i
}

// location adds one entry per address. Lines are innermost first, so inlined
// calls precede the function they were inlined into.
func (d *dictionary) location(t symbolizer.ResolvedTrace) int32 {
	if i, ok := d.locationIdx[t.Addr]; ok {
		return i
	}
	loc := &profilespb.Location{
		Address:      t.Addr,
		MappingIndex: d.mapping(t.ObjectFilename),
	}
	for _, f := range t.Frames() {
		if f.Function == "" {
			continue
		}
		loc.Lines = append(loc.Lines, &profilespb.Line{
			FunctionIndex: d.function(f.Function, f.Filename),
			Line:          int64(f.Line),
			Column:        int64(f.Column),
		})
	}
	d.locations = append(d.locations, loc)
	i := int32(len(d.locations) - 1)
	d.locationIdx[t.Addr] = i
	return i
}

func (d *dictionary) stack(traces []symbolizer.ResolvedTrace) int32 {
	locIndices := make([]int32, 0, len(traces))
	var key strings.Builder
	for _, t := range traces {
		idx := d.location(t)
		locIndices = append(locIndices, idx)
		fmt.Fprintf(&key, "%d,", idx)
	}
	if i, ok := d.stackIdx[key.String()]; ok {
		return i
	}
	d.stacks = append(d.stacks, &profilespb.Stack{LocationIndices: locIndices})
	i := int32(len(d.stacks) - 1)
	d.stackIdx[key.String()] = i
	return i
}

func BuildOltpProfile(samples []profiler.Sample, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	dict := newDictionary()
	profileSamples := make([]*profilespb.Sample, 0, len(samples))

	sampleType := &profilespb.ValueType{
		TypeStrindex: dict.str("samples"),
		UnitStrindex: dict.str("count"),
	}

	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}
		// stacks stay leaf-first
		pbSample := &profilespb.Sample{
			StackIndex:         dict.stack(s.Stack),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(s.Timestamp.UnixNano())},
		}
		profileSamples = append(profileSamples, pbSample)
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: scopeVersion,
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  dict.mappings,
			LocationTable: dict.locations,
			FunctionTable: dict.functions,
			StackTable:    dict.stacks,
			StringTable:   dict.strings,
		},
	}
}
