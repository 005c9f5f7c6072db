package sched

import (
	"sync"

	"github.com/rdseq/iontrace/pkg/reader"
)

const invalidOrdinal = -1

// queuedRec is one deferred record on an input's queue. Synthetic records
// (injected switch sequences, synthesized exits) do not affect ordinals.
type queuedRec[R any] struct {
	rec       R
	synthetic bool
}

// recordQueue is a small deque of deferred records.
type recordQueue[R any] struct {
	items []queuedRec[R]
}

func (q *recordQueue[R]) empty() bool { return len(q.items) == 0 }

func (q *recordQueue[R]) pushBack(r queuedRec[R]) {
	q.items = append(q.items, r)
}

func (q *recordQueue[R]) pushFront(r queuedRec[R]) {
	q.items = append([]queuedRec[R]{r}, q.items...)
}

func (q *recordQueue[R]) popFront() queuedRec[R] {
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

func (q *recordQueue[R]) popBack() queuedRec[R] {
	r := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return r
}

func (q *recordQueue[R]) clear() { q.items = nil }

// inputState is the scheduler's bookkeeping for one recorded stream. All
// mutable fields are protected by mu, which nests inside the scheduler lock.
type inputState[R any] struct {
	mu sync.Mutex

	index      int
	workload   int
	shardIndex int
	tid        int64
	pid        int64
	name       string

	rd        reader.Reader[R]
	needsInit bool
	queue     recordQueue[R]
	atEOF     bool

	priority    int
	binding     map[int]bool
	hasModifier bool

	// Timestamp ordering state for DependencyTimestamps.
	orderByTimestamp bool
	baseTimestamp    uint64
	nextTimestamp    uint64

	// Blocking and unscheduling state.
	blockedTime         uint64
	blockedStartTime    uint64
	unscheduled         bool
	skipNextUnscheduled bool
	switchToInput       int

	// System call tracking between the syscall markers and the next
	// instruction boundary.
	processingSyscall              bool
	processingMaybeBlockingSyscall bool
	preSyscallTimestamp            uint64
	syscallTimeoutArg              uint64

	// Quantum accounting.
	instrsInQuantum    uint64
	timeSpentInQuantum float64
	prevTimeInQuantum  uint64

	// Regions of interest.
	regions     []Range
	curRegion   int
	inCurRegion bool
	needsROI    bool

	prevOutput int

	// Instructions read from the reader but queued for redelivery (init-time
	// readahead, requeued switch candidates, unread and speculation
	// requeues); the reader's ordinals already include them.
	instrsPreRead uint64

	// Queue membership.
	queuePos uint64
	inQueue  *inputQueue[R]
	heapIdx  int
}

// instrOrdinal is the instruction count visible to consumers: the reader's
// ordinal minus any readahead still queued for redelivery.
func (in *inputState[R]) instrOrdinal() uint64 {
	return in.rd.InstructionOrdinal() - in.instrsPreRead
}

func (in *inputState[R]) bindsTo(output int) bool {
	return len(in.binding) == 0 || in.binding[output]
}
