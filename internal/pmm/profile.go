package pmm

import (
	"time"

	"github.com/google/pprof/profile"

	"github.com/coreos-kernel/nucleus/internal/bootinfo"
)

// Profile builds a pprof-compatible profile describing the current
// free/used page counts per memory-map region, so an external profiler
// can chart fragmentation over time. This replaces the teacher's bespoke
// Pgcount() printf dump (biscuit/src/mem/mem.go) with a format real
// tooling (pprof, speedscope-via-pprof) can already consume.
func (a *Allocator) Profile() *profile.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := &profile.Profile{
		TimeNanos: time.Now().UnixNano(),
		SampleType: []*profile.ValueType{
			{Type: "free_pages", Unit: "count"},
			{Type: "used_pages", Unit: "count"},
		},
	}

	funcs := map[string]*profile.Function{}
	locs := map[string]*profile.Location{}
	nextID := uint64(1)

	ensureLoc := func(name string) *profile.Location {
		if l, ok := locs[name]; ok {
			return l
		}
		fn := &profile.Function{ID: nextID, Name: name}
		nextID++
		funcs[name] = fn
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		locs[name] = loc
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, r := range a.regions {
		name := r.kind.String()
		free, used := 0, 0
		for _, f := range r.free {
			if f {
				free++
			} else {
				used++
			}
		}
		if r.kind != bootinfo.MemoryUsable {
			used = int(r.pages())
		}
		loc := ensureLoc(name)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(free), int64(used)},
		})
	}
	return p
}
