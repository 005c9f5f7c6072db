package memtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefOpsClassification(t *testing.T) {
	ops := RefOps{}
	instr := Ref{Kind: KindInstr, Tid: 7, PC: 0x1000}
	ts := Ref{Kind: KindMarker, Tid: 7, Marker: MarkerTimestamp, Value: 123}
	syscall := Ref{Kind: KindMarker, Tid: 7, Marker: MarkerSyscall, Value: 42}

	assert.True(t, ops.IsInstr(instr))
	assert.True(t, ops.IsInstrBoundary(instr, ts))
	assert.False(t, ops.IsInstr(ts))
	assert.False(t, ops.IsEncoding(instr))

	typ, val, ok := ops.IsMarker(syscall)
	require.True(t, ok)
	assert.Equal(t, MarkerSyscall, typ)
	assert.Equal(t, uint64(42), val)

	v, ok := ops.IsTimestamp(ts)
	require.True(t, ok)
	assert.Equal(t, uint64(123), v)
	_, ok = ops.IsTimestamp(instr)
	assert.False(t, ok)

	assert.True(t, ops.IsInvalid(ops.Invalid()))
	assert.False(t, ops.IsNonMarkerHeader(ts))

	tid, ok := ops.Tid(instr)
	require.True(t, ok)
	assert.Equal(t, int64(7), tid)
	assert.Equal(t, int64(9), ops.WithTid(instr, 9).Tid)

	exit := ops.ThreadExit(7)
	assert.Equal(t, KindThreadExit, exit.Kind)

	sep := ops.RegionSeparator(7, 2)
	typ, val, ok = ops.IsMarker(sep)
	require.True(t, ok)
	assert.Equal(t, MarkerWindowID, typ)
	assert.Equal(t, uint64(2), val)

	nop := ops.NopInstr(7, 0x2000)
	assert.True(t, ops.IsInstr(nop))
	assert.Equal(t, uint64(0x2000), nop.PC)

	assert.Empty(t, ops.SwitchHeaders(7, 1))
}

func TestEntryOpsClassification(t *testing.T) {
	ops := EntryOps{}
	instr := Entry{Type: EntryInstrFetch, Size: 4, Addr: 0x1000}
	enc := Entry{Type: EntryEncoding, Size: 4, Addr: 0x90}
	thread := Entry{Type: EntryThread, Addr: 7}
	pid := Entry{Type: EntryPid, Addr: 3}
	m := Entry{Type: EntryMarker, Size: uint16(MarkerTimestamp), Addr: 500}

	assert.True(t, ops.IsInstr(instr))
	assert.True(t, ops.IsEncoding(enc))
	assert.True(t, ops.IsInstrBoundary(instr, thread))
	assert.True(t, ops.IsInstrBoundary(enc, thread), "the encoding opens the boundary")
	assert.False(t, ops.IsInstrBoundary(instr, enc),
		"a fetch after its encoding is the same instruction boundary")

	assert.True(t, ops.IsNonMarkerHeader(thread))
	assert.True(t, ops.IsNonMarkerHeader(pid))
	assert.False(t, ops.IsNonMarkerHeader(m))

	v, ok := ops.IsTimestamp(m)
	require.True(t, ok)
	assert.Equal(t, uint64(500), v)

	tid, ok := ops.Tid(thread)
	require.True(t, ok)
	assert.Equal(t, int64(7), tid)
	_, ok = ops.Tid(instr)
	assert.False(t, ok)

	p, ok := ops.Pid(pid)
	require.True(t, ok)
	assert.Equal(t, int64(3), p)

	hdrs := ops.SwitchHeaders(7, 3)
	require.Len(t, hdrs, 2)
	assert.Equal(t, EntryPid, hdrs[0].Type)
	assert.Equal(t, EntryThread, hdrs[1].Type)

	exit := ops.ThreadExit(7)
	tid, ok = ops.Tid(exit)
	require.True(t, ok)
	assert.Equal(t, int64(7), tid)

	assert.True(t, ops.IsInvalid(ops.Invalid()))
}
