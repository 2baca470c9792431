package arena

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Test_Arena_AllocateAssignsFreshGenerations tests that every allocation
// gets a distinct, monotonically increasing generation.
func Test_Arena_AllocateAssignsFreshGenerations(t *testing.T) {
	a := New(Config{})

	h1, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}

	if h1.Generation == 0 {
		t.Fatal("expected non-zero generation")
	}
	if h2.Generation <= h1.Generation {
		t.Fatalf("expected increasing generations, got %d then %d", h1.Generation, h2.Generation)
	}
	if h1.Addr == h2.Addr {
		t.Fatal("distinct live allocations must not share an address")
	}
}

// Test_Arena_LookupLiveOnly tests that Lookup hides quarantined and
// drained records while Inspect still reports them.
func Test_Arena_LookupLiveOnly(t *testing.T) {
	a := New(Config{})

	h, err := a.Allocate(128)
	if err != nil {
		t.Fatal(err)
	}

	v, ok := a.Lookup(h.Addr)
	if !ok {
		t.Fatal("expected live record")
	}
	if v.State != Live || v.Size != 128 || v.Generation != h.Generation {
		t.Fatalf("unexpected view: %+v", v)
	}

	if err := a.Free(h.Addr); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.Lookup(h.Addr); ok {
		t.Fatal("Lookup must not return a quarantined record")
	}
	v, ok = a.Inspect(h.Addr)
	if !ok {
		t.Fatal("Inspect must keep reporting a quarantined record")
	}
	if v.State != Quarantined {
		t.Fatalf("expected Quarantined, got %v", v.State)
	}
	if v.Generation <= h.Generation {
		t.Fatal("free must advance the record generation")
	}
}

// Test_Arena_InteriorPointerLookup tests containment lookup for addresses
// inside a span, including spans whose interior pages hash to other shards.
func Test_Arena_InteriorPointerLookup(t *testing.T) {
	a := New(Config{})

	// Large enough to cross many pages, so interior addresses fall in
	// shards other than the base shard.
	h, err := a.Allocate(256 << 10)
	if err != nil {
		t.Fatal(err)
	}

	interior := h.Addr + 100<<10
	v, ok := a.Inspect(interior)
	if !ok {
		t.Fatal("expected containment hit for interior address")
	}
	if v.Addr != h.Addr {
		t.Fatalf("expected base %#x, got %#x", h.Addr, v.Addr)
	}

	_, rem, ok := a.RemainingFrom(interior)
	if !ok {
		t.Fatal("expected remaining bytes for interior address")
	}
	if want := uint64(256<<10) - uint64(100<<10); rem != want {
		t.Fatalf("expected %d remaining, got %d", want, rem)
	}

	if _, _, ok := a.RemainingFrom(h.Addr + uintptr(h.Size)); ok {
		t.Fatal("one-past-end must not be inside the span")
	}
}

// Test_Arena_FreeErrors tests double-free and foreign-pointer classification.
func Test_Arena_FreeErrors(t *testing.T) {
	a := New(Config{})

	h, err := a.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Free(h.Addr); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h.Addr); !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("expected ErrDoubleFree, got %v", err)
	}
	if err := a.Free(h.Addr + 0x9000_0000); !errors.Is(err, ErrForeignPointer) {
		t.Fatalf("expected ErrForeignPointer, got %v", err)
	}
	// Interior pointers are not valid free targets.
	h2, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h2.Addr + 8); !errors.Is(err, ErrForeignPointer) {
		t.Fatalf("expected ErrForeignPointer for interior free, got %v", err)
	}
}

// Test_Arena_QuarantineDrainByEntries tests that exceeding the entry budget
// drains oldest-first and marks drained records Freed.
func Test_Arena_QuarantineDrainByEntries(t *testing.T) {
	a := New(Config{QuarantineMaxEntries: 4, QuarantineMaxBytes: 1 << 30})

	// All small allocations land on the same page, hence the same shard,
	// so the per-shard entry budget is exercised deterministically.
	var handles []Handle
	for i := 0; i < 6; i++ {
		h, err := a.Allocate(16)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := a.Free(h.Addr); err != nil {
			t.Fatal(err)
		}
	}

	// 6 freed with a budget of 4: the 2 oldest must have drained.
	v, ok := a.Inspect(handles[0].Addr)
	if !ok || v.State != Freed {
		t.Fatalf("oldest entry should be Freed, got %+v ok=%v", v, ok)
	}
	v, ok = a.Inspect(handles[5].Addr)
	if !ok || v.State != Quarantined {
		t.Fatalf("newest entry should still be Quarantined, got %+v ok=%v", v, ok)
	}

	st := a.Stats()
	if st.DrainedRecords != 2 {
		t.Fatalf("expected 2 drained records, got %d", st.DrainedRecords)
	}
	if st.QuarantineCount != 4 {
		t.Fatalf("expected 4 quarantined records, got %d", st.QuarantineCount)
	}
}

// Test_Arena_ReuseAfterDrain tests that a drained region is handed out
// again with a fresh generation while the old record stays inspectable
// until the overwrite.
func Test_Arena_ReuseAfterDrain(t *testing.T) {
	a := New(Config{})

	h1, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h1.Addr); err != nil {
		t.Fatal(err)
	}
	a.FlushQuarantine()

	v, ok := a.Inspect(h1.Addr)
	if !ok || v.State != Freed {
		t.Fatalf("expected Freed record before reuse, got %+v ok=%v", v, ok)
	}

	h2, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Addr != h1.Addr {
		t.Fatalf("expected reuse of %#x, got %#x", h1.Addr, h2.Addr)
	}
	if h2.Generation <= h1.Generation {
		t.Fatal("reused region must carry a newer generation")
	}

	v, ok = a.Lookup(h2.Addr)
	if !ok || v.Generation != h2.Generation || v.State != Live {
		t.Fatalf("expected live reused record, got %+v ok=%v", v, ok)
	}

	st := a.Stats()
	if st.ReuseHits != 1 {
		t.Fatalf("expected 1 reuse hit, got %d", st.ReuseHits)
	}
}

// Test_Arena_AddressSpaceExhaustion tests the ErrExhausted path.
func Test_Arena_AddressSpaceExhaustion(t *testing.T) {
	a := New(Config{AddressSpaceLimit: 1 << 10})

	if _, err := a.Allocate(512); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(1024); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

// Test_Arena_OversizeRequestOverflow tests that a request size large enough
// to wrap the alignment round-up is refused instead of minting a bogus
// record, and that following allocations still get distinct addresses.
func Test_Arena_OversizeRequestOverflow(t *testing.T) {
	a := New(Config{})

	if _, err := a.Allocate(math.MaxUint64 - 8); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if _, err := a.Allocate(math.MaxUint64); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	h1, err := a.Allocate(64)
	require.NoError(t, err)
	h2, err := a.Allocate(64)
	require.NoError(t, err)
	require.NotEqual(t, h1.Addr, h2.Addr, "live allocations must not alias")

	v, ok := a.Lookup(h1.Addr)
	require.True(t, ok)
	require.Equal(t, h1.Generation, v.Generation)
}

// Test_Arena_RejectedRequestKeepsSpace tests that a refused oversized
// request leaves the cursor where it was.
func Test_Arena_RejectedRequestKeepsSpace(t *testing.T) {
	a := New(Config{AddressSpaceLimit: 1 << 10})

	if _, err := a.Allocate(1 << 11); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	h, err := a.Allocate(16)
	require.NoError(t, err)
	require.NotZero(t, h.Addr)
}

// Test_Arena_StatsAccounting tests live/quarantine byte accounting across
// the full lifecycle.
func Test_Arena_StatsAccounting(t *testing.T) {
	a := New(Config{})

	h1, err := a.Allocate(100)
	require.NoError(t, err)
	h2, err := a.Allocate(200)
	require.NoError(t, err)

	st := a.Stats()
	require.Equal(t, uint64(2), st.AllocCalls)
	require.Equal(t, uint64(2), st.LiveRecords)
	require.Equal(t, uint64(300), st.LiveBytes)
	require.Equal(t, uint64(300), st.PeakLiveBytes)

	require.NoError(t, a.Free(h1.Addr))
	st = a.Stats()
	require.Equal(t, uint64(1), st.FreeCalls)
	require.Equal(t, uint64(200), st.LiveBytes)
	require.Equal(t, uint64(100), st.QuarantineBytes)
	require.Equal(t, uint64(300), st.PeakLiveBytes, "peak must not fall on free")

	require.NoError(t, a.Free(h2.Addr))
	a.FlushQuarantine()
	st = a.Stats()
	require.Zero(t, st.LiveBytes)
	require.Zero(t, st.QuarantineBytes)
	require.Equal(t, uint64(300), st.ReusableBytes)
}

// Test_Arena_ConcurrentChurn hammers the arena from many goroutines with a
// fixed seed and checks the table stays internally consistent.
func Test_Arena_ConcurrentChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping churn test in short mode")
	}

	a := New(Config{QuarantineMaxEntries: 32})
	const workers = 8
	const opsPerWorker = 2000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []Handle
			for i := 0; i < opsPerWorker; i++ {
				if len(mine) == 0 || rng.Intn(2) == 0 {
					h, err := a.Allocate(uint64(1 + rng.Intn(4096)))
					require.NoError(t, err)
					v, ok := a.Lookup(h.Addr)
					require.True(t, ok)
					require.Equal(t, h.Generation, v.Generation)
					mine = append(mine, h)
				} else {
					j := rng.Intn(len(mine))
					h := mine[j]
					mine[j] = mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					require.NoError(t, a.Free(h.Addr))
					if _, ok := a.Lookup(h.Addr); ok {
						// The region may already have been drained and
						// reallocated by another worker; if so it must
						// carry a newer generation.
						v, _ := a.Inspect(h.Addr)
						require.Greater(t, v.Generation, h.Generation)
					}
				}
			}
			for _, h := range mine {
				require.NoError(t, a.Free(h.Addr))
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	st := a.Stats()
	require.Zero(t, st.LiveRecords)
	require.Zero(t, st.LiveBytes)
	require.Equal(t, st.AllocCalls, st.FreeCalls)
}
