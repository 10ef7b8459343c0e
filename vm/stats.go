package vm

import (
	"fmt"
	"io"
	"sync/atomic"
)

// familyStats tallies the adaptive lifecycle of one instruction family.
type familyStats struct {
	success  atomic.Uint64 // specialization attempts that rewrote the site
	failure  atomic.Uint64 // specialization attempts that backed off
	hit      atomic.Uint64 // specialized executions whose caches validated
	miss     atomic.Uint64 // specialized executions that fell back to generic
	deferred atomic.Uint64 // adaptive executions that only counted down
	deopt    atomic.Uint64 // sites rewritten back to their adaptive form
}

func (fs *familyStats) snapshot() FamilySnapshot {
	return FamilySnapshot{
		Success:  fs.success.Load(),
		Failure:  fs.failure.Load(),
		Hit:      fs.hit.Load(),
		Miss:     fs.miss.Load(),
		Deferred: fs.deferred.Load(),
		Deopt:    fs.deopt.Load(),
	}
}

// Stats is the interpreter's optional tally set, enabled with
// Options.CollectStats. All counters are atomic, so snapshots may be
// taken from any goroutine while the interpreter runs.
type Stats struct {
	loadAttr  familyStats
	quickened atomic.Uint64
}

// FamilySnapshot is a point-in-time copy of one family's tallies.
type FamilySnapshot struct {
	Success  uint64
	Failure  uint64
	Hit      uint64
	Miss     uint64
	Deferred uint64
	Deopt    uint64
}

// HitRate returns hits as a fraction of specialized executions, or 0
// when the family never ran specialized.
func (fs FamilySnapshot) HitRate() float64 {
	total := fs.Hit + fs.Miss
	if total == 0 {
		return 0
	}
	return float64(fs.Hit) / float64(total)
}

// StatsSnapshot is a point-in-time copy of every tally.
type StatsSnapshot struct {
	LoadAttr  FamilySnapshot
	Quickened uint64
}

// Snapshot copies all tallies at once.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LoadAttr:  s.loadAttr.snapshot(),
		Quickened: s.quickened.Load(),
	}
}

// Dump writes a human-readable tally report.
func (s *Stats) Dump(w io.Writer) {
	snap := s.Snapshot()
	fmt.Fprintf(w, "quickened code objects: %d\n", snap.Quickened)
	dumpFamily(w, "LOAD_ATTR", snap.LoadAttr)
}

func dumpFamily(w io.Writer, name string, fs FamilySnapshot) {
	fmt.Fprintf(w, "%s:\n", name)
	fmt.Fprintf(w, "  specialization success: %d\n", fs.Success)
	fmt.Fprintf(w, "  specialization failure: %d\n", fs.Failure)
	fmt.Fprintf(w, "  deferred:               %d\n", fs.Deferred)
	fmt.Fprintf(w, "  hits:                   %d\n", fs.Hit)
	fmt.Fprintf(w, "  misses:                 %d\n", fs.Miss)
	fmt.Fprintf(w, "  deoptimizations:        %d\n", fs.Deopt)
	if fs.Hit+fs.Miss > 0 {
		fmt.Fprintf(w, "  hit rate:               %.1f%%\n", fs.HitRate()*100)
	}
}
