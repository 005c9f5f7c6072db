package sched

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyRef struct{}

func queueInput(index, priority int, pos uint64) *inputState[dummyRef] {
	return &inputState[dummyRef]{index: index, priority: priority, queuePos: pos}
}

func TestQueuePriorityAndFIFO(t *testing.T) {
	q := newInputQueue[dummyRef]()
	low1 := queueInput(0, 0, 1)
	low2 := queueInput(1, 0, 2)
	high := queueInput(2, 5, 3)
	q.push(low1)
	q.push(low2)
	q.push(high)

	assert.Equal(t, 2, q.pop().index, "highest priority first")
	assert.Equal(t, 0, q.pop().index, "FIFO among equal priorities")
	assert.Equal(t, 1, q.pop().index)
	assert.True(t, q.empty())
}

func TestQueueReinsertPreservesOrder(t *testing.T) {
	q := newInputQueue[dummyRef]()
	a := queueInput(0, 0, 1)
	b := queueInput(1, 0, 2)
	q.push(a)
	q.push(b)

	first := q.pop()
	require.Equal(t, 0, first.index)
	// Re-inserting without touching the counter restores the old position.
	q.reinsert(first)
	assert.Equal(t, 0, q.pop().index)
	assert.Equal(t, 1, q.pop().index)
}

func TestQueueEraseAndContains(t *testing.T) {
	q := newInputQueue[dummyRef]()
	a := queueInput(0, 0, 1)
	b := queueInput(1, 0, 2)
	c := queueInput(2, 0, 3)
	q.push(a)
	q.push(b)
	q.push(c)

	require.True(t, q.contains(b))
	q.erase(b)
	assert.False(t, q.contains(b))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.pop().index)
	assert.Equal(t, 2, q.pop().index)
}

func TestQueueRandomEntryDeterministic(t *testing.T) {
	pick := func(seed int64) int {
		q := newInputQueue[dummyRef]()
		for i := 0; i < 5; i++ {
			q.push(queueInput(i, 0, uint64(i+1)))
		}
		rng := rand.New(rand.NewSource(seed))
		return q.randomEntry(rng).index
	}
	assert.Equal(t, pick(42), pick(42), "same seed, same pick")
}

func TestQueueTimestampOrdering(t *testing.T) {
	q := newInputQueue[dummyRef]()
	a := queueInput(0, 0, 1)
	b := queueInput(1, 0, 2)
	// Equal priority: the smaller relative timestamp wins even with a
	// later insertion counter.
	a.orderByTimestamp = true
	b.orderByTimestamp = true
	a.baseTimestamp = 100
	b.baseTimestamp = 100
	a.rd = stubTimestampReader{last: 300}
	b.rd = stubTimestampReader{last: 150}
	q.push(a)
	q.push(b)
	assert.Equal(t, 1, q.pop().index)
}

type stubTimestampReader struct{ last uint64 }

func (stubTimestampReader) Init() error                     { return nil }
func (stubTimestampReader) Next() (dummyRef, error)         { return dummyRef{}, nil }
func (stubTimestampReader) SkipInstructions(n uint64) error { return nil }
func (stubTimestampReader) RecordOrdinal() uint64           { return 0 }
func (stubTimestampReader) InstructionOrdinal() uint64      { return 0 }
func (stubTimestampReader) FirstTimestamp() uint64          { return 0 }
func (r stubTimestampReader) LastTimestamp() uint64         { return r.last }
func (stubTimestampReader) Version() uint64                 { return 0 }
func (stubTimestampReader) Filetype() uint64                { return 0 }
func (stubTimestampReader) PageSize() uint64                { return 0 }
func (stubTimestampReader) CacheLineSize() uint64           { return 0 }
func (stubTimestampReader) ChunkInstrCount() uint64         { return 0 }
func (stubTimestampReader) IsRecordSynthetic() bool         { return false }
