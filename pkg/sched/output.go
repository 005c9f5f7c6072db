package sched

import (
	"sync/atomic"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// outputState is the per-output cursor. Except for active, which other
// threads may flip, it is only touched by the single consumer driving the
// output (plus the scheduler lock for dispatch transitions).
type outputState[R any] struct {
	index     int
	curInput  int
	prevInput int

	active  atomic.Bool
	waiting bool
	atEOF   bool

	waitStartTime uint64
	curTime       uint64

	// Replay cursor: the schedule segments being recorded or replayed.
	record      []memtrace.Segment
	recordIndex int

	// Static partition for consistent mapping.
	inputIndices      []int
	inputIndicesIndex int

	// Speculation state.
	speculationStack []uint64
	speculatePC      uint64
	prevSpeculatePC  uint64

	// Kernel and context-switch code tracking from trace markers.
	inKernelCode        bool
	inContextSwitchCode bool
	hitSwitchCodeEnd    bool

	stats [numStats]int64

	asTracedCPUID int64

	lastRecord    R
	hasLastRecord bool
	lastSynthetic bool

	// Per-stream header snapshot, captured from each newly assigned input.
	version         uint64
	filetype        uint64
	pageSize        uint64
	cacheLineSize   uint64
	chunkInstrCount uint64
	firstTimestamp  uint64
	lastTimestamp   uint64
}

func (o *outputState[R]) speculating() bool { return len(o.speculationStack) > 0 }
