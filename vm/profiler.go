package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/bbv/jit"
)

// Profiler counts method invocations and loop back-edges to decide when the
// interpreter should try compiled code. A site that crossed its threshold
// stays hot; from then on every arrival goes through the JIT driver.

// SiteProfile holds profiling data for a method entry or a loop header.
type SiteProfile struct {
	Count uint64 // atomic
	hot   atomic.Bool
}

// IsHot reports whether the site crossed its threshold.
func (p *SiteProfile) IsHot() bool { return p.hot.Load() }

// Profiler manages profiling for all methods of a VM.
type Profiler struct {
	calls sync.Map // jit.MethodID -> *SiteProfile
	loops sync.Map // jit.Position -> *SiteProfile

	CallThreshold uint64
	LoopThreshold uint64

	hotCalls uint64
	hotLoops uint64
}

// NewProfiler creates a profiler with the given thresholds.
func NewProfiler(callThreshold, loopThreshold uint64) *Profiler {
	return &Profiler{CallThreshold: callThreshold, LoopThreshold: loopThreshold}
}

// RecordCall counts an invocation of m and reports whether m is hot.
func (p *Profiler) RecordCall(m jit.MethodID) bool {
	val, _ := p.calls.LoadOrStore(m, &SiteProfile{})
	return p.record(val.(*SiteProfile), p.CallThreshold, &p.hotCalls)
}

// RecordLoop counts a backward jump to pos and reports whether the loop
// header is hot.
func (p *Profiler) RecordLoop(pos jit.Position) bool {
	val, _ := p.loops.LoadOrStore(pos, &SiteProfile{})
	return p.record(val.(*SiteProfile), p.LoopThreshold, &p.hotLoops)
}

func (p *Profiler) record(site *SiteProfile, threshold uint64, hotCount *uint64) bool {
	if site.hot.Load() {
		atomic.AddUint64(&site.Count, 1)
		return true
	}
	if atomic.AddUint64(&site.Count, 1) < threshold {
		return false
	}
	if !site.hot.Swap(true) {
		atomic.AddUint64(hotCount, 1)
	}
	return true
}

// CallProfile returns the profile of m, or nil if m never ran.
func (p *Profiler) CallProfile(m jit.MethodID) *SiteProfile {
	if val, ok := p.calls.Load(m); ok {
		return val.(*SiteProfile)
	}
	return nil
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods     int
	LoopHeaders int
	HotMethods  uint64
	HotLoops    uint64
	Calls       uint64
	BackEdges   uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var s ProfilerStats
	p.calls.Range(func(_, v any) bool {
		s.Methods++
		s.Calls += atomic.LoadUint64(&v.(*SiteProfile).Count)
		return true
	})
	p.loops.Range(func(_, v any) bool {
		s.LoopHeaders++
		s.BackEdges += atomic.LoadUint64(&v.(*SiteProfile).Count)
		return true
	})
	s.HotMethods = atomic.LoadUint64(&p.hotCalls)
	s.HotLoops = atomic.LoadUint64(&p.hotLoops)
	return s
}

// TopMethods returns up to n method IDs ordered by invocation count.
func (p *Profiler) TopMethods(n int) []jit.MethodID {
	type methodCount struct {
		id    jit.MethodID
		count uint64
	}
	var all []methodCount
	p.calls.Range(func(k, v any) bool {
		all = append(all, methodCount{k.(jit.MethodID), atomic.LoadUint64(&v.(*SiteProfile).Count)})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].id < all[j].id
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]jit.MethodID, n)
	for i := range out {
		out[i] = all[i].id
	}
	return out
}
