package vm

// HotThreshold is the number of qualifying fallthrough observations at
// a PC before its guarded region is promoted.
const HotThreshold = 100

// region is a promoted hot region: the instruction range [start, end)
// immediately following a conditional-jump guard at a PC whose
// hotness counter crossed HotThreshold.
type region struct {
	start, end int
	hits       int
}

// Tracer implements the hot-region side of a tracing JIT. Actual
// machine-code emission is treated as an opaque assembler behind a
// documented ABI contract, out of reach for a pure Go implementation
// without cgo or an external assembler package, so the Tracer instead
// models the observable contract: hotness counting, promotion, and
// trampolining into a cached region, while actual execution of a
// promoted region re-enters the ordinary interpreter loop rather than
// compiled code.
type Tracer struct {
	counts       map[int]int
	regions      map[int]*region
	log          func(format string, args ...interface{})
	hotThreshold int
	enabled      bool
}

// NewTracer creates a tracer with no promoted regions yet, enabled with
// the default HotThreshold.
func NewTracer() *Tracer {
	return &Tracer{
		counts:       make(map[int]int),
		regions:      make(map[int]*region),
		hotThreshold: HotThreshold,
		enabled:      true,
	}
}

// SetHotThreshold overrides the number of observations required before
// promotion. Backs the [jit] hot-threshold config setting; a
// non-positive value leaves the default in place.
func (t *Tracer) SetHotThreshold(n int) {
	if n > 0 {
		t.hotThreshold = n
	}
}

// SetEnabled masks ObserveFallthrough entirely when false, so the
// interpreter runs every region unpromoted. Backs the [jit] enabled
// config setting.
func (t *Tracer) SetEnabled(enabled bool) {
	t.enabled = enabled
}

// SetLogger installs a callback used to report promotions.
func (t *Tracer) SetLogger(log func(format string, args ...interface{})) {
	t.log = log
}

func (t *Tracer) logf(format string, args ...interface{}) {
	if t.log != nil {
		t.log(format, args...)
	}
}

// ObserveFallthrough records one qualifying observation at a JMP_T/JMP_F
// site: the branch was NOT taken (the guard fell through into the
// following region) while its displacement sbx is a positive (forward)
// offset. Backward or zero displacements, and branches that ARE taken,
// never count.
func (t *Tracer) ObserveFallthrough(pc int, sbx int16) {
	if !t.enabled || sbx <= 0 {
		return
	}
	if _, already := t.regions[pc]; already {
		return
	}
	t.counts[pc]++
	if t.counts[pc] > t.hotThreshold {
		t.regions[pc] = &region{start: pc + 1, end: pc + 1 + int(sbx)}
		t.logf("vm: promoted hot region pc=[%d,%d) after %d observations", pc+1, pc+1+int(sbx), t.counts[pc])
	}
}

// Promoted reports whether pc is a guard whose fallthrough region has
// been promoted (or seeded), and the region's bounds if so. It always
// reports false while the tracer is disabled.
func (t *Tracer) Promoted(pc int) (start, end int, ok bool) {
	if !t.enabled {
		return 0, 0, false
	}
	r, ok := t.regions[pc]
	if !ok {
		return 0, 0, false
	}
	return r.start, r.end, true
}

// recordHit is called each time a promoted region actually runs, for
// --stats / cache-persistence purposes.
func (t *Tracer) recordHit(guardPC int) {
	if r, ok := t.regions[guardPC]; ok {
		r.hits++
	}
}

// Regions returns a snapshot of promoted regions keyed by guard pc, for
// the jit cache to persist and for --stats reporting.
func (t *Tracer) Regions() map[int]RegionRecord {
	out := make(map[int]RegionRecord, len(t.regions))
	for pc, r := range t.regions {
		out[pc] = RegionRecord{PC: pc, RegionLen: r.end - r.start, HitCount: r.hits}
	}
	return out
}

// Seed installs previously-persisted region records (loaded from a JIT
// cache file) without waiting to re-accumulate HotThreshold
// observations, the trampolining behavior the --jit-cache flag exists
// for.
func (t *Tracer) Seed(records []RegionRecord) {
	for _, rec := range records {
		guardPC := rec.PC
		t.regions[guardPC] = &region{start: guardPC + 1, end: guardPC + 1 + rec.RegionLen, hits: rec.HitCount}
	}
}
