package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

func TestSpeculationSynthesizesAndResumes(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 4)))
	st := s.Stream(0)

	rec, status := st.Next(1)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint64(0x1000), rec.PC)
	ordBefore := st.InputInstructionOrdinal()

	require.Equal(t, StatusOK, st.StartSpeculation(0x9000, false))
	for i := 0; i < 3; i++ {
		rec, status = st.Next(uint64(2 + i))
		require.Equal(t, StatusOK, status)
		assert.Equal(t, memtrace.KindInstr, rec.Kind)
		assert.Equal(t, uint64(0x9000+i), rec.PC, "speculation advances pc by nop length")
		assert.True(t, st.IsRecordSynthetic())
	}
	assert.Equal(t, ordBefore, st.InputInstructionOrdinal(),
		"ordinals are frozen during speculation")

	require.Equal(t, StatusOK, st.StopSpeculation())
	rec, status = st.Next(10)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(0x1001), rec.PC, "the trace resumes where it left off")
}

func TestNestedSpeculation(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 4)))
	st := s.Stream(0)

	_, status := st.Next(1)
	require.Equal(t, StatusOK, status)

	require.Equal(t, StatusOK, st.StartSpeculation(0x9000, false))
	rec, status := st.Next(2)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint64(0x9000), rec.PC)

	// Nest: the outer layer's pc is restored on the inner stop.
	require.Equal(t, StatusOK, st.StartSpeculation(0xa000, false))
	rec, status = st.Next(3)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint64(0xa000), rec.PC)

	require.Equal(t, StatusOK, st.StopSpeculation())
	rec, status = st.Next(4)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(0x9001), rec.PC, "inner stop resumes the outer layer")

	require.Equal(t, StatusOK, st.StopSpeculation())
	rec, status = st.Next(5)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(0x1001), rec.PC)
}

func TestSpeculationQueueCurrentReplaysRecord(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 3)))
	st := s.Stream(0)

	rec, status := st.Next(1)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint64(0x1000), rec.PC)

	require.Equal(t, StatusOK, st.StartSpeculation(0x9000, true))
	_, status = st.Next(2)
	require.Equal(t, StatusOK, status)
	require.Equal(t, StatusOK, st.StopSpeculation())

	rec, status = st.Next(3)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(0x1000), rec.PC, "the queued record is replayed after speculation")
}

func TestStopSpeculationWithoutStart(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 2)))
	assert.Equal(t, StatusInvalid, s.Stream(0).StopSpeculation())
}

func TestUnreadLastRecord(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 3)))
	st := s.Stream(0)

	// Nothing delivered yet.
	assert.Equal(t, StatusInvalid, st.Unread())

	rec, status := st.Next(1)
	require.Equal(t, StatusOK, status)
	require.Equal(t, StatusOK, st.Unread())

	again, status := st.Next(2)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, rec, again, "unread record is redelivered")

	// Unread is rejected while speculating.
	require.Equal(t, StatusOK, st.StartSpeculation(0x9000, false))
	assert.Equal(t, StatusInvalid, st.Unread())
}
