package pprof

import (
	"io"
	"sort"

	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"

	"github.com/VladMinzatu/tracesym/internal/profiler"
	"github.com/VladMinzatu/tracesym/internal/symbolizer"
)

type functionKey struct {
	name, file string
}

func BuildPprofProfile(samples []profiler.Sample, sampleTypeName, sampleTypeUnit string) (*profile.Profile, error) {
	if len(samples) == 0 {
		p := &profile.Profile{}
		return p, nil
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
	}

	funcs := map[functionKey]*profile.Function{}
	mappings := map[string]*profile.Mapping{}
	locMap := map[uint64]*profile.Location{}

	addFunction := func(name, file string) *profile.Function {
		key := functionKey{name, file}
		if f, ok := funcs[key]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   file,
		}
		funcs[key] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addMapping := func(object string) *profile.Mapping {
		if object == "" {
			return nil
		}
		if m, ok := mappings[object]; ok {
			return m
		}
		m := &profile.Mapping{
			ID:   uint64(len(p.Mapping) + 1),
			File: object,
		}
		mappings[object] = m
		p.Mapping = append(p.Mapping, m)
		return m
	}

	addLocationFor := func(t symbolizer.ResolvedTrace) *profile.Location {
		if loc, ok := locMap[t.Addr]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: t.Addr,
			Mapping: addMapping(t.ObjectFilename),
		}
		if loc.Mapping != nil {
			loc.Mapping.HasFunctions = true
		}
		// Line[0] is the innermost frame, as pprof expects for inlined calls.
		for _, f := range t.Frames() {
			if f.Function == "" {
				continue
			}
			fn := addFunction(f.Function, f.Filename)
			loc.Line = append(loc.Line, profile.Line{Function: fn, Line: int64(f.Line), Column: int64(f.Column)})
			if f.Filename != "" && loc.Mapping != nil {
				loc.Mapping.HasFilenames = true
				loc.Mapping.HasLineNumbers = loc.Mapping.HasLineNumbers || f.Line > 0
			}
		}
		if len(t.Inliners) > 0 && loc.Mapping != nil {
			loc.Mapping.HasInlineFrames = true
		}
		locMap[t.Addr] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}
		// pprof assumes stacks are in leaf-to-root order, i.e. stack[0] is leaf (innermost)
		locs := make([]*profile.Location, 0, len(s.Stack))
		for _, t := range s.Stack {
			locs = append(locs, addLocationFor(t))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: locs,
		})
	}

	// p.StartTime / Duration: use first and last sample timestamps
	sorted := make([]profiler.Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	start := sorted[0].Timestamp
	end := sorted[len(sorted)-1].Timestamp
	p.TimeNanos = start.UnixNano()
	p.DurationNanos = end.Sub(start).Nanoseconds()

	return p, p.CheckValid()
}

func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	gw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}
