package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

func TestRegionsOfInterest(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	w := Workload[memtrace.Ref]{
		Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 50))},
		Modifiers: []ThreadModifier{{
			Tids:    []int64{100},
			Regions: []Range{{Start: 10, Stop: 20}, {Start: 30, Stop: 40}},
		}},
	}
	s, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	got := drain(t, s.Stream(0))

	// Ten in-region instructions, a window separator, ten more, then the
	// synthesized exit.
	var kinds []memtrace.RefKind
	var instrCount int
	for _, d := range got {
		kinds = append(kinds, d.rec.Kind)
		if d.rec.Kind == memtrace.KindInstr {
			instrCount++
		}
	}
	require.Len(t, got, 22)
	assert.Equal(t, 20, instrCount)
	for i := 0; i < 10; i++ {
		assert.Equal(t, memtrace.KindInstr, kinds[i], "record %d", i)
	}
	assert.Equal(t, memtrace.KindMarker, kinds[10])
	assert.Equal(t, memtrace.MarkerWindowID, got[10].rec.Marker)
	assert.Equal(t, uint64(1), got[10].rec.Value)
	for i := 11; i < 21; i++ {
		assert.Equal(t, memtrace.KindInstr, kinds[i], "record %d", i)
	}
	assert.Equal(t, memtrace.KindThreadExit, kinds[21])

	// The first in-region instruction is the tenth of the trace (1-based).
	assert.Equal(t, uint64(0x1000+9), got[0].rec.PC)
	assert.Equal(t, uint64(0x1000+29), got[11].rec.PC)
}

func TestRegionDeliveredCounts(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	w := Workload[memtrace.Ref]{
		Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 100))},
		Modifiers: []ThreadModifier{{
			Tids:    []int64{100},
			Regions: []Range{{Start: 5, Stop: 8}, {Start: 50, Stop: 60}},
		}},
	}
	s, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	got := onlyInstrs(drain(t, s.Stream(0)))
	assert.Len(t, got, (8-5)+(60-50))
}

func TestOpenEndedRegion(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	w := Workload[memtrace.Ref]{
		Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 20))},
		Modifiers: []ThreadModifier{{
			Tids:    []int64{100},
			Regions: []Range{{Start: 15, Stop: 0}},
		}},
	}
	s, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	got := onlyInstrs(drain(t, s.Stream(0)))
	assert.Len(t, got, 6, "instructions 15 through 20 run to the end")
}

func TestTimeLookupInterpolation(t *testing.T) {
	points := []timePoint{{ts: 500, ord: 0}, {ts: 1500, ord: 50}, {ts: 2500, ord: 200}}

	ord, ok := timeLookup(points, 1000)
	require.True(t, ok)
	assert.Equal(t, uint64(25), ord)

	ord, ok = timeLookup(points, 2000)
	require.True(t, ok)
	assert.Equal(t, uint64(125), ord)

	// Outside the known range means no overlap.
	_, ok = timeLookup(points, 400)
	assert.False(t, ok)
	_, ok = timeLookup(points, 3000)
	assert.False(t, ok)
}

func TestTimesOfInterestDeriveRegions(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	opts.ReplayAsTraced = []memtrace.CPUEntry{
		{Tid: 100, CPUID: 0, Timestamp: 500, StartInstruction: 0},
		{Tid: 100, CPUID: 0, Timestamp: 1500, StartInstruction: 50},
		{Tid: 100, CPUID: 0, Timestamp: 2500, StartInstruction: 200},
	}
	w := Workload[memtrace.Ref]{
		Inputs:          []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 300))},
		TimesOfInterest: []TimeRange{{Start: 1000, Stop: 2000}},
	}
	s, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, s.inputs[0].regions, 1)
	assert.Equal(t, Range{Start: 25, Stop: 125}, s.inputs[0].regions[0])
}

func TestTimesOfInterestNoOverlapExcludesThread(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	opts.ReplayAsTraced = []memtrace.CPUEntry{
		{Tid: 100, CPUID: 0, Timestamp: 500, StartInstruction: 0},
		{Tid: 100, CPUID: 0, Timestamp: 1500, StartInstruction: 50},
		{Tid: 200, CPUID: 1, Timestamp: 400, StartInstruction: 0},
		{Tid: 200, CPUID: 1, Timestamp: 2400, StartInstruction: 90},
	}
	w := Workload[memtrace.Ref]{
		Inputs: []InputSpec[memtrace.Ref]{
			memInput(100, instrs(100, 100)),
			memInput(200, instrs(200, 100)),
		},
		// Overlaps tid 200 only.
		TimesOfInterest: []TimeRange{{Start: 2000, Stop: 2300}},
	}
	s, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, s.inputs[0].regions, 1)
	assert.Equal(t, uint64(sentinelStart), s.inputs[0].regions[0].Start,
		"non-overlapping thread gets the never-start sentinel")

	got := onlyInstrs(drain(t, s.Stream(0)))
	for _, d := range got {
		assert.Equal(t, int64(200), d.tid, "only the overlapping thread runs")
	}
}

func TestTimesOfInterestTooCloseRejected(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	opts.ReplayAsTraced = []memtrace.CPUEntry{
		{Tid: 100, CPUID: 0, Timestamp: 1000, StartInstruction: 0},
		{Tid: 100, CPUID: 0, Timestamp: 2000, StartInstruction: 1000},
	}
	w := Workload[memtrace.Ref]{
		Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 10))},
		TimesOfInterest: []TimeRange{
			{Start: 1100, Stop: 1200},
			{Start: 1200, Stop: 1300},
		},
	}
	_, err := New[memtrace.Ref](ops, []Workload[memtrace.Ref]{w}, 1, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrRangeInvalid)
}
