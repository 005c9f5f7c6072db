package sched

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

func TestReplayRecordedSegments(t *testing.T) {
	// VERSION, DEFAULT(A,0,3), IDLE(50), DEFAULT(B,0,2), FOOTER: deliver
	// three instructions of A, idle for 50 time units, then two of B.
	segments := [][]memtrace.Segment{{
		{Type: memtrace.SegVersion, Start: memtrace.ScheduleVersion},
		{Type: memtrace.SegDefault, Input: 0, Start: 0, Stop: 3},
		{Type: memtrace.SegIdle, Start: 50},
		{Type: memtrace.SegDefault, Input: 1, Start: 0, Stop: 2},
		{Type: memtrace.SegFooter},
	}}

	opts := DefaultOptions[memtrace.Ref]()
	opts.Mapping = MapAsPreviously
	opts.ReplaySchedule = segments

	s := newTestScheduler(t, opts, 1,
		memInput(100, instrs(100, 5)),
		memInput(200, instrs(200, 5)))
	st := s.Stream(0)

	var got []delivered
	var idleTicks int
	var curTime uint64
	var sawIdleBeforeB bool
	for i := 0; i < 10000; i++ {
		curTime++
		rec, status := st.Next(curTime)
		switch status {
		case StatusOK:
			got = append(got, delivered{tid: st.Tid(), rec: rec})
		case StatusIdle, StatusWait:
			idleTicks++
			if len(got) == 3 {
				sawIdleBeforeB = true
			}
		case StatusEOF:
			goto done
		default:
			t.Fatalf("unexpected status %v", status)
		}
	}
	t.Fatal("replay did not reach EOF")
done:
	require.Len(t, got, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, int64(100), got[i].tid)
		assert.Equal(t, uint64(0x1000+i), got[i].rec.PC)
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, int64(200), got[i].tid)
	}
	assert.True(t, sawIdleBeforeB, "the idle segment separates A from B")
	assert.GreaterOrEqual(t, idleTicks, 50, "idle lasts at least its recorded duration")
}

func recordRun(t *testing.T, quantum uint64, inputLens []int) ([]delivered, [][]memtrace.Segment) {
	t.Helper()
	opts := DefaultOptions[memtrace.Ref]()
	opts.QuantumDurationInstrs = quantum
	opts.RecordSchedule = true
	var inputs []InputSpec[memtrace.Ref]
	for i, n := range inputLens {
		tid := int64(100 * (i + 1))
		inputs = append(inputs, memInput(tid, instrs(tid, n)))
	}
	s := newTestScheduler(t, opts, 1, inputs...)
	got := drain(t, s.Stream(0))

	var buf bytes.Buffer
	require.NoError(t, s.WriteRecordedSchedule(&buf))
	components, err := memtrace.ReadScheduleArchive(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return got, components
}

func TestRecordThenReplayReproducesDelivery(t *testing.T) {
	recorded, components := recordRun(t, 2, []int{5, 4, 3})

	opts := DefaultOptions[memtrace.Ref]()
	opts.Mapping = MapAsPreviously
	opts.ReplaySchedule = components
	s := newTestScheduler(t, opts, 1,
		memInput(100, instrs(100, 5)),
		memInput(200, instrs(200, 4)),
		memInput(300, instrs(300, 3)))
	replayed := drain(t, s.Stream(0))

	require.Len(t, replayed, len(recorded))
	for i := range recorded {
		assert.Equal(t, recorded[i].tid, replayed[i].tid, "record %d tid", i)
		assert.Equal(t, recorded[i].rec, replayed[i].rec, "record %d", i)
	}
}

func TestRecordReplayRecordIsIdempotent(t *testing.T) {
	_, components := recordRun(t, 2, []int{4, 4})

	opts := DefaultOptions[memtrace.Ref]()
	opts.Mapping = MapAsPreviously
	opts.ReplaySchedule = components
	opts.RecordSchedule = true
	s := newTestScheduler(t, opts, 1,
		memInput(100, instrs(100, 4)),
		memInput(200, instrs(200, 4)))
	drain(t, s.Stream(0))

	var buf bytes.Buffer
	require.NoError(t, s.WriteRecordedSchedule(&buf))
	rerecorded, err := memtrace.ReadScheduleArchive(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	require.Len(t, rerecorded, len(components))
	require.Len(t, rerecorded[0], len(components[0]))
	for i := range components[0] {
		want, got := components[0][i], rerecorded[0][i]
		assert.Equal(t, want.Type, got.Type, "segment %d type", i)
		if want.Type == memtrace.SegDefault {
			assert.Equal(t, want.Input, got.Input, "segment %d input", i)
			assert.Equal(t, want.Start, got.Start, "segment %d start", i)
			assert.Equal(t, want.Stop, got.Stop, "segment %d stop", i)
		}
	}
}

func TestRecordedScheduleShape(t *testing.T) {
	_, components := recordRun(t, 2, []int{4, 4})
	require.Len(t, components, 1)
	segs := components[0]
	require.NotEmpty(t, segs)
	assert.Equal(t, memtrace.SegVersion, segs[0].Type)
	assert.Equal(t, memtrace.ScheduleVersion, segs[0].Version())
	assert.Equal(t, memtrace.SegFooter, segs[len(segs)-1].Type)
	// No two consecutive idle segments are ever persisted.
	for i := 1; i < len(segs); i++ {
		if segs[i].Type == memtrace.SegIdle {
			assert.NotEqual(t, memtrace.SegIdle, segs[i-1].Type, "consecutive idle at %d", i)
		}
	}
	// The alternation A,B,A,B produces four default segments.
	var defaults []memtrace.Segment
	for _, seg := range segs {
		if seg.Type == memtrace.SegDefault {
			defaults = append(defaults, seg)
		}
	}
	require.Len(t, defaults, 4)
	assert.Equal(t, int32(0), defaults[0].Input)
	assert.Equal(t, uint64(0), defaults[0].Start)
	assert.Equal(t, uint64(2), defaults[0].Stop)
	assert.Equal(t, int32(1), defaults[1].Input)
	assert.Equal(t, uint64(2), defaults[2].Start, "resumed segment starts where the first stopped")
}

func TestReplayValidation(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	opts.Mapping = MapAsPreviously
	// Missing footer.
	opts.ReplaySchedule = [][]memtrace.Segment{{
		{Type: memtrace.SegVersion, Start: memtrace.ScheduleVersion},
		{Type: memtrace.SegDefault, Input: 0, Start: 0, Stop: 1},
	}}
	_, err := New[memtrace.Ref](ops,
		[]Workload[memtrace.Ref]{{Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 2))}}},
		1, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidParameter)

	// Wrong version.
	opts.ReplaySchedule = [][]memtrace.Segment{{
		{Type: memtrace.SegVersion, Start: 99},
		{Type: memtrace.SegFooter},
	}}
	_, err = New[memtrace.Ref](ops,
		[]Workload[memtrace.Ref]{{Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 2))}}},
		1, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidParameter)

	// Component count mismatch.
	opts.ReplaySchedule = [][]memtrace.Segment{{
		{Type: memtrace.SegVersion, Start: memtrace.ScheduleVersion},
		{Type: memtrace.SegFooter},
	}}
	_, err = New[memtrace.Ref](ops,
		[]Workload[memtrace.Ref]{{Inputs: []InputSpec[memtrace.Ref]{memInput(100, instrs(100, 2))}}},
		2, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestIdleSegmentsMerge(t *testing.T) {
	opts := DefaultOptions[memtrace.Ref]()
	opts.RecordSchedule = true
	s := newTestScheduler(t, opts, 1, memInput(100, instrs(100, 1)))
	o := s.outputs[0]
	require.Equal(t, StatusOK, s.recordScheduleSegment(o, memtrace.SegIdle, 0, 0, 0))
	require.Equal(t, StatusOK, s.recordScheduleSegment(o, memtrace.SegIdle, 0, 0, 0))
	var idles int
	for _, seg := range o.record {
		if seg.Type == memtrace.SegIdle {
			idles++
		}
	}
	assert.Equal(t, 1, idles, "consecutive idle segments merge")
}
