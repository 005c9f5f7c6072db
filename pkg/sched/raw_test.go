package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/reader"
)

// The scheduler is generic over the record shape: the same policies drive
// raw on-disk entries, which carry identity out of band and keep encodings
// as separate records.

func rawInput(tid, pid int64, n int) InputSpec[memtrace.Entry] {
	recs := []memtrace.Entry{
		{Type: memtrace.EntryPid, Addr: uint64(pid)},
		{Type: memtrace.EntryThread, Addr: uint64(tid)},
		{Type: memtrace.EntryMarker, Size: uint16(memtrace.MarkerTimestamp), Addr: 100},
	}
	for i := 0; i < n; i++ {
		recs = append(recs,
			memtrace.Entry{Type: memtrace.EntryEncoding, Size: 4, Addr: 0x90},
			memtrace.Entry{Type: memtrace.EntryInstrFetch, Size: 4, Addr: 0x1000 + uint64(4*i)},
		)
	}
	recs = append(recs, memtrace.Entry{Type: memtrace.EntryThreadExit, Addr: uint64(tid)})
	return InputSpec[memtrace.Entry]{
		Reader: reader.NewMemoryReader[memtrace.Entry](memtrace.EntryOps{}, recs),
		Tid:    tid,
		Pid:    pid,
	}
}

func TestRawEntryScheduling(t *testing.T) {
	eops := memtrace.EntryOps{}
	opts := DefaultOptions[memtrace.Entry]()
	opts.QuantumDurationInstrs = 2

	s, err := New[memtrace.Entry](eops,
		[]Workload[memtrace.Entry]{{Inputs: []InputSpec[memtrace.Entry]{
			rawInput(100, 1, 4),
			rawInput(200, 1, 4),
		}}}, 1, opts, zap.NewNop())
	require.NoError(t, err)
	st := s.Stream(0)

	var fetches []uint64
	var tids []int64
	var sawThreadHeaderAfterStart bool
	var curTime uint64
	count := 0
	for i := 0; i < 10000; i++ {
		curTime++
		rec, status := st.Next(curTime)
		if status == StatusEOF {
			break
		}
		if status != StatusOK {
			continue
		}
		count++
		if rec.Type == memtrace.EntryInstrFetch {
			fetches = append(fetches, rec.Addr)
			tids = append(tids, st.Tid())
		}
		if count > 4 && rec.Type == memtrace.EntryThread {
			sawThreadHeaderAfterStart = true
		}
	}

	require.Len(t, fetches, 8)
	// Quantum alternation by two instructions, same as the normalized shape.
	assert.Equal(t, []int64{100, 100, 200, 200, 100, 100, 200, 200}, tids)
	assert.Equal(t, uint64(0x1000), fetches[0])
	assert.Equal(t, uint64(0x1008), fetches[4], "first input resumes at its third instruction")
	assert.True(t, sawThreadHeaderAfterStart,
		"raw streams re-announce identity after a context switch")
	assert.Equal(t, int64(3), st.Statistic(StatSwitchInputToInput))
}

func TestRawEncodingDoesNotSplitBoundary(t *testing.T) {
	eops := memtrace.EntryOps{}
	opts := DefaultOptions[memtrace.Entry]()
	opts.QuantumDurationInstrs = 1

	s, err := New[memtrace.Entry](eops,
		[]Workload[memtrace.Entry]{{Inputs: []InputSpec[memtrace.Entry]{
			rawInput(100, 1, 2),
			rawInput(200, 1, 2),
		}}}, 1, opts, zap.NewNop())
	require.NoError(t, err)

	var perTidRuns []int64
	var curTime uint64
	for i := 0; i < 10000; i++ {
		curTime++
		rec, status := s.Stream(0).Next(curTime)
		if status == StatusEOF {
			break
		}
		if status != StatusOK || rec.Type != memtrace.EntryInstrFetch {
			continue
		}
		tid := s.Stream(0).Tid()
		if len(perTidRuns) == 0 || perTidRuns[len(perTidRuns)-1] != tid {
			perTidRuns = append(perTidRuns, tid)
		}
	}
	// One instruction per quantum: the inputs strictly alternate.
	assert.Equal(t, []int64{100, 200, 100, 200}, perTidRuns)
}
