package arena

// State is the lifecycle position of an allocation record.
type State uint8

const (
	// Live records back a current allocation.
	Live State = iota
	// Quarantined records back a freed allocation still held in the
	// quarantine queue. The address is not yet reusable.
	Quarantined
	// Freed records have been drained from quarantine. The address region
	// is eligible for reuse; the record survives until reuse so stale
	// pointers remain classifiable.
	Freed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Quarantined:
		return "quarantined"
	case Freed:
		return "freed"
	}
	return "unknown"
}

// Handle is the identity returned to callers by Allocate. The generation is
// what makes the handle forgery-resistant: presenting a stale generation at
// a reused address never validates.
type Handle struct {
	Addr       uintptr
	Size       uint64
	Generation uint64
}

// View is a read-only snapshot of one allocation record.
type View struct {
	Addr       uintptr
	Size       uint64
	Generation uint64
	State      State
}

// Contains reports whether addr falls inside the record's usable span.
func (v View) Contains(addr uintptr) bool {
	return addr >= v.Addr && addr < v.Addr+uintptr(v.Size)
}

// Stats is a point-in-time aggregate over all shards, consumed by the
// fragmentation monitor and the CLI.
type Stats struct {
	AllocCalls      uint64
	FreeCalls       uint64
	ReuseHits       uint64
	LiveRecords     uint64
	LiveBytes       uint64
	QuarantineCount uint64
	QuarantineBytes uint64
	DrainedRecords  uint64
	ReusableBytes   uint64
	PeakLiveBytes   uint64
	CursorBytes     uint64
}
