package fragmon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/membrane/membrane/arena"
	"github.com/joshuapare/membrane/membrane/kernel"
)

// Test_Monitor_SnapshotContents tests the full health report against a
// known allocation history.
func Test_Monitor_SnapshotContents(t *testing.T) {
	a := arena.New(arena.Config{})
	k := kernel.New(kernel.Config{})
	m := New(a, k, Config{PublishEvery: 2})

	h, err := a.Allocate(1000)
	require.NoError(t, err)
	_, err = a.Allocate(1000)
	require.NoError(t, err)
	require.NoError(t, a.Free(h.Addr))

	m.Observe(700)
	m.Observe(300)

	got := m.Snapshot()
	want := Snapshot{
		FragRatioPPM:      0,
		ReusableBytes:     0,
		LiveBytes:         1000,
		QuarantineBytes:   1000,
		QuarantineCount:   1,
		PeakResidentBytes: 2000,
		TailLatencyNs:     700 - 700>>3, // decayed once at publish
		Published:         1,
		Skipped:           0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

// Test_Monitor_PublishesArenaGauges tests that cadence publication pushes
// current arena health into the kernel's gauge signals.
func Test_Monitor_PublishesArenaGauges(t *testing.T) {
	a := arena.New(arena.Config{})
	k := kernel.New(kernel.Config{})
	m := New(a, k, Config{PublishEvery: 4})

	h1, err := a.Allocate(3000)
	require.NoError(t, err)
	_, err = a.Allocate(1000)
	require.NoError(t, err)
	require.NoError(t, a.Free(h1.Addr))
	a.FlushQuarantine()

	for i := 0; i < 4; i++ {
		m.Observe(500)
	}

	snap := k.Snapshot()
	require.Equal(t, uint64(750_000), snap.Raw[kernel.SigFragRatio])
	require.Equal(t, uint64(3000), snap.Raw[kernel.SigReusableBytes])
	require.Equal(t, uint64(4000), snap.Raw[kernel.SigPeakResident])
	require.Equal(t, uint64(1), snap.Raw[kernel.SigDrainRate])
	require.Equal(t, uint64(500), snap.Raw[kernel.SigTailLatency])
}

// Test_Monitor_TailLatencyDecays tests that the tail gauge tracks the
// window maximum and fades after publication.
func Test_Monitor_TailLatencyDecays(t *testing.T) {
	a := arena.New(arena.Config{})
	k := kernel.New(kernel.Config{})
	m := New(a, k, Config{PublishEvery: 4})

	m.Observe(100)
	m.Observe(9000)
	m.Observe(200)
	m.Observe(300) // publish: tail = 9000

	require.Equal(t, uint64(9000), k.Snapshot().Raw[kernel.SigTailLatency])

	s := m.Snapshot()
	require.Less(t, s.TailLatencyNs, uint64(9000), "tail must decay after publish")

	for i := 0; i < 4; i++ {
		m.Observe(100) // next publish carries the decayed tail
	}
	require.Less(t, k.Snapshot().Raw[kernel.SigTailLatency], uint64(9000))
}

// Test_Monitor_FragRatioEdges tests the ratio on empty and fully
// fragmented tables.
func Test_Monitor_FragRatioEdges(t *testing.T) {
	require.Zero(t, FragRatioPPM(arena.Stats{}))
	require.Equal(t, uint64(1_000_000), FragRatioPPM(arena.Stats{ReusableBytes: 4096}))
	require.Equal(t, uint64(500_000), FragRatioPPM(arena.Stats{ReusableBytes: 100, LiveBytes: 100}))
}
