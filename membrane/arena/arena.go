package arena

import (
	"sort"
	"sync"
	"sync/atomic"
)

const (
	// NumShards is the number of independently locked table shards.
	// Power of 2; shard selection uses page bits of the address.
	NumShards = 16

	shardMask = NumShards - 1
	pageShift = 12

	// addrAlign is the alignment of every issued address.
	addrAlign = 16

	// DefaultQuarantineMaxBytes bounds the per-shard quarantine queue by bytes.
	DefaultQuarantineMaxBytes = 64 << 20
	// DefaultQuarantineMaxEntries bounds the per-shard quarantine queue by count.
	DefaultQuarantineMaxEntries = 65536

	// baseAddr is where the synthetic address space begins. Low pages stay
	// unmapped so null-ish addresses always classify as foreign.
	baseAddr uintptr = 0x0001_0000

	defaultAddressSpaceLimit = uint64(1) << 40

	// reuseScanLimit bounds the first-fit scan of the reuse list so
	// Allocate stays bounded-cost even with a long list.
	reuseScanLimit = 32
)

// Config tunes arena budgets. Zero values take defaults.
type Config struct {
	QuarantineMaxBytes   uint64
	QuarantineMaxEntries int
	AddressSpaceLimit    uint64
}

func (c Config) withDefaults() Config {
	if c.QuarantineMaxBytes == 0 {
		c.QuarantineMaxBytes = DefaultQuarantineMaxBytes
	}
	if c.QuarantineMaxEntries == 0 {
		c.QuarantineMaxEntries = DefaultQuarantineMaxEntries
	}
	if c.AddressSpaceLimit == 0 {
		c.AddressSpaceLimit = defaultAddressSpaceLimit
	}
	return c
}

type slot struct {
	addr  uintptr
	size  uint64
	gen   uint64
	state State
}

func (s slot) view() View {
	return View{Addr: s.addr, Size: s.size, Generation: s.gen, State: s.state}
}

type quarEntry struct {
	addr uintptr
	size uint64
}

// region is an address range released from quarantine and available for reuse.
type region struct {
	addr uintptr
	size uint64
}

type shard struct {
	mu     sync.Mutex
	slots  []slot
	byAddr map[uintptr]int
	// order holds slot indices sorted by base address for interior-pointer
	// containment lookups. Bases are never removed; recycled bases keep
	// their position.
	order []int

	quarantine []quarEntry
	quarHead   int
	quarBytes  uint64

	liveBytes  uint64
	liveCount  uint64
	allocCalls uint64
	freeCalls  uint64
	drained    uint64
}

// Arena is the authoritative, sharded table of allocation identities.
type Arena struct {
	cfg    Config
	shards [NumShards]shard

	nextGen atomic.Uint64
	cursor  atomic.Uint64 // bytes consumed past baseAddr

	reuseMu       sync.Mutex
	reuse         []region
	reusableBytes atomic.Uint64
	reuseHits     atomic.Uint64

	liveTotal atomic.Uint64
	peakLive  atomic.Uint64
}

// New creates an empty arena.
func New(cfg Config) *Arena {
	a := &Arena{cfg: cfg.withDefaults()}
	for i := range a.shards {
		a.shards[i].byAddr = make(map[uintptr]int)
	}
	return a
}

func shardFor(addr uintptr) int {
	return int(addr>>pageShift) & shardMask
}

func alignUp(n uint64) uint64 {
	if n == 0 {
		return addrAlign
	}
	return (n + addrAlign - 1) &^ (addrAlign - 1)
}

// Allocate reserves a new address region of the requested usable size and
// assigns it the next generation. It fails only on resource exhaustion.
func (a *Arena) Allocate(size uint64) (Handle, error) {
	addr, ok := a.takeRegion(size)
	if !ok {
		var err error
		addr, err = a.advanceCursor(size)
		if err != nil {
			return Handle{}, err
		}
	}

	gen := a.nextGen.Add(1)

	sh := &a.shards[shardFor(addr)]
	sh.mu.Lock()
	if idx, seen := sh.byAddr[addr]; seen {
		// Reused region: overwrite the drained record in place. The base
		// is unchanged, so byAddr and order stay valid.
		sh.slots[idx] = slot{addr: addr, size: size, gen: gen, state: Live}
	} else {
		idx := len(sh.slots)
		sh.slots = append(sh.slots, slot{addr: addr, size: size, gen: gen, state: Live})
		sh.byAddr[addr] = idx
		sh.insertOrdered(idx)
	}
	sh.liveBytes += size
	sh.liveCount++
	sh.allocCalls++
	sh.mu.Unlock()

	a.noteLive(size)
	return Handle{Addr: addr, Size: size, Generation: gen}, nil
}

// takeRegion attempts a first-fit grab from the reuse list. A contended
// reuse lock is skipped rather than waited on: reuse is an optimization,
// the cursor path is always available.
func (a *Arena) takeRegion(size uint64) (uintptr, bool) {
	if !a.reuseMu.TryLock() {
		return 0, false
	}
	defer a.reuseMu.Unlock()

	limit := len(a.reuse)
	if limit > reuseScanLimit {
		limit = reuseScanLimit
	}
	for i := 0; i < limit; i++ {
		if a.reuse[i].size >= size {
			r := a.reuse[i]
			a.reuse[i] = a.reuse[len(a.reuse)-1]
			a.reuse = a.reuse[:len(a.reuse)-1]
			a.reusableBytes.Add(^(r.size - 1)) // subtract
			a.reuseHits.Add(1)
			return r.addr, true
		}
	}
	return 0, false
}

func (a *Arena) advanceCursor(size uint64) (uintptr, error) {
	advance := alignUp(size)
	if advance < size {
		// Round-up wrapped: the request is within addrAlign of MaxUint64.
		return 0, ErrExhausted
	}
	for {
		cur := a.cursor.Load()
		end := cur + advance
		if end < cur || end > a.cfg.AddressSpaceLimit {
			// No commit on rejection: a refused request must not
			// consume address space.
			return 0, ErrExhausted
		}
		if a.cursor.CompareAndSwap(cur, end) {
			return baseAddr + uintptr(cur), nil
		}
	}
}

func (a *Arena) noteLive(size uint64) {
	total := a.liveTotal.Add(size)
	for {
		peak := a.peakLive.Load()
		if total <= peak || a.peakLive.CompareAndSwap(peak, total) {
			return
		}
	}
}

// Free transitions a Live record to Quarantined and advances its
// generation so stale handles can never validate again. The address
// becomes reusable only after the quarantine budget forces a drain.
func (a *Arena) Free(addr uintptr) error {
	sh := &a.shards[shardFor(addr)]
	sh.mu.Lock()

	idx, ok := sh.byAddr[addr]
	if !ok {
		sh.mu.Unlock()
		return ErrForeignPointer
	}
	s := &sh.slots[idx]
	if s.state != Live {
		sh.mu.Unlock()
		return ErrDoubleFree
	}

	s.state = Quarantined
	s.gen = a.nextGen.Add(1)
	sh.quarantine = append(sh.quarantine, quarEntry{addr: addr, size: s.size})
	sh.quarBytes += s.size
	sh.liveBytes -= s.size
	sh.liveCount--
	sh.freeCalls++

	released := sh.drainLocked(a.cfg.QuarantineMaxBytes, a.cfg.QuarantineMaxEntries)
	size := s.size
	sh.mu.Unlock()

	a.liveTotal.Add(^(size - 1))
	a.release(released)
	return nil
}

// drainLocked evicts oldest quarantine entries until the queue is back
// within budget, marking their slots Freed. Caller holds sh.mu.
func (sh *shard) drainLocked(maxBytes uint64, maxEntries int) []region {
	var released []region
	for sh.quarBytes > maxBytes || sh.quarLen() > maxEntries {
		e, ok := sh.popOldest()
		if !ok {
			break
		}
		if idx, found := sh.byAddr[e.addr]; found {
			sh.slots[idx].state = Freed
		}
		sh.quarBytes -= e.size
		sh.drained++
		released = append(released, region{addr: e.addr, size: e.size})
	}
	return released
}

func (sh *shard) quarLen() int { return len(sh.quarantine) - sh.quarHead }

func (sh *shard) popOldest() (quarEntry, bool) {
	if sh.quarHead >= len(sh.quarantine) {
		return quarEntry{}, false
	}
	e := sh.quarantine[sh.quarHead]
	sh.quarHead++
	if sh.quarHead > len(sh.quarantine)/2 && sh.quarHead > 64 {
		sh.quarantine = append(sh.quarantine[:0], sh.quarantine[sh.quarHead:]...)
		sh.quarHead = 0
	}
	return e, true
}

func (a *Arena) release(regions []region) {
	if len(regions) == 0 {
		return
	}
	a.reuseMu.Lock()
	a.reuse = append(a.reuse, regions...)
	a.reuseMu.Unlock()
	for _, r := range regions {
		a.reusableBytes.Add(r.size)
	}
}

// FlushQuarantine force-drains every shard's quarantine queue, releasing
// all held regions for reuse. Intended for teardown and replay tooling;
// normal operation drains on budget pressure only.
func (a *Arena) FlushQuarantine() {
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		released := sh.drainLocked(0, 0)
		sh.mu.Unlock()
		a.release(released)
	}
}

// Lookup returns the record backing addr only if it is Live. Foreign,
// Quarantined and Freed addresses return false. Safe for arbitrary input.
func (a *Arena) Lookup(addr uintptr) (View, bool) {
	v, ok := a.Inspect(addr)
	if !ok || v.State != Live {
		return View{}, false
	}
	return v, true
}

// Inspect returns the record whose span contains addr in any state. This
// is the classification boundary between untrusted pointer input and the
// table: validators use it to tell stale pointers from foreign ones.
func (a *Arena) Inspect(addr uintptr) (View, bool) {
	home := shardFor(addr)
	if v, ok := a.shards[home].inspect(addr); ok {
		return v, true
	}
	// A large allocation's interior pages hash to other shards than its
	// base page. Probing every shard keeps the cost bounded (16 binary
	// searches) independent of table size.
	for i := range a.shards {
		if i == home {
			continue
		}
		if v, ok := a.shards[i].inspect(addr); ok {
			return v, true
		}
	}
	return View{}, false
}

// RemainingFrom computes the usable bytes between addr and the end of its
// Live record. Addresses outside any Live span return false even when they
// fall on the same page as one.
func (a *Arena) RemainingFrom(addr uintptr) (View, uint64, bool) {
	v, ok := a.Inspect(addr)
	if !ok || v.State != Live || !v.Contains(addr) {
		return View{}, 0, false
	}
	return v, uint64(v.Addr) + v.Size - uint64(addr), true
}

func (sh *shard) inspect(addr uintptr) (View, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if idx, ok := sh.byAddr[addr]; ok {
		return sh.slots[idx].view(), true
	}
	i := sort.Search(len(sh.order), func(i int) bool {
		return sh.slots[sh.order[i]].addr > addr
	})
	if i == 0 {
		return View{}, false
	}
	s := sh.slots[sh.order[i-1]]
	if addr < s.addr+uintptr(s.size) {
		return s.view(), true
	}
	return View{}, false
}

// insertOrdered inserts idx into the base-address ordering. Caller holds sh.mu.
func (sh *shard) insertOrdered(idx int) {
	addr := sh.slots[idx].addr
	i := sort.Search(len(sh.order), func(i int) bool {
		return sh.slots[sh.order[i]].addr > addr
	})
	sh.order = append(sh.order, 0)
	copy(sh.order[i+1:], sh.order[i:])
	sh.order[i] = idx
}

// Stats aggregates counters across all shards.
func (a *Arena) Stats() Stats {
	var st Stats
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		st.AllocCalls += sh.allocCalls
		st.FreeCalls += sh.freeCalls
		st.LiveRecords += sh.liveCount
		st.LiveBytes += sh.liveBytes
		st.QuarantineCount += uint64(sh.quarLen())
		st.QuarantineBytes += sh.quarBytes
		st.DrainedRecords += sh.drained
		sh.mu.Unlock()
	}
	st.ReuseHits = a.reuseHits.Load()
	st.ReusableBytes = a.reusableBytes.Load()
	st.PeakLiveBytes = a.peakLive.Load()
	st.CursorBytes = a.cursor.Load()
	return st
}
