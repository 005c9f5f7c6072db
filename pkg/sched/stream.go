package sched

import "go.uber.org/zap"

// Stream is the consumer handle for one output. It must be driven by a
// single goroutine at a time; Next never blocks.
type Stream[R any] struct {
	s   *Scheduler[R]
	out *outputState[R]
}

// o returns the output backing queries: in lockstep mode that is whichever
// output produced the last record.
func (st *Stream[R]) o() *outputState[R] {
	if st.s.opts.SingleLockstepOutput && st.s.lockstepCur != nil {
		return st.s.lockstepCur
	}
	return st.out
}

// Next returns at most one record. curTime is the consumer's clock in time
// units; pass 0 to let the scheduler use wall-clock microseconds. StatusWait
// and StatusIdle ask the consumer to call again; StatusEOF is terminal.
func (st *Stream[R]) Next(curTime uint64) (R, Status) {
	s := st.s
	if s.opts.SingleLockstepOutput {
		return s.nextLockstep(curTime)
	}
	for {
		rec, status := s.nextRecord(st.out, curTime)
		if status == StatusSkipped {
			continue
		}
		return rec, status
	}
}

// nextLockstep interleaves all outputs onto one stream in rotation.
func (s *Scheduler[R]) nextLockstep(curTime uint64) (R, Status) {
	eofCount := 0
	for eofCount < len(s.outputs) {
		o := s.outputs[s.lockstepNext]
		s.lockstepNext = (s.lockstepNext + 1) % len(s.outputs)
		rec, status := s.nextRecord(o, curTime)
		switch status {
		case StatusSkipped:
			continue
		case StatusEOF:
			eofCount++
			continue
		default:
			s.lockstepCur = o
			return rec, status
		}
	}
	return s.ops.Invalid(), StatusEOF
}

// Unread restores the last delivered record to the head of the current
// input's stream. It fails if nothing was delivered or speculation is
// active.
func (st *Stream[R]) Unread() Status {
	return st.s.unreadLastRecord(st.o())
}

// StartSpeculation begins synthesizing records from pc. With queueCurrent
// the last delivered record is replayed after speculation ends. Layers nest.
func (st *Stream[R]) StartSpeculation(pc uint64, queueCurrent bool) Status {
	return st.s.startSpeculation(st.o(), pc, queueCurrent)
}

// StopSpeculation pops one speculation layer.
func (st *Stream[R]) StopSpeculation() Status {
	return st.s.stopSpeculation(st.o())
}

// SetActive enables or disables this output. An inactive output returns
// StatusIdle from Next and its input is surrendered to the pool;
// re-activation starts with a fresh dispatch.
func (st *Stream[R]) SetActive(active bool) Status {
	s := st.s
	o := st.out
	if s.opts.Mapping != MapToAnyOutput {
		return StatusInvalid
	}
	if o.active.Load() == active {
		return StatusOK
	}
	o.active.Store(active)
	s.log.Debug("output active state changed",
		zap.Int("output", o.index), zap.Bool("active", active))
	s.schedLock.Lock()
	defer s.schedLock.Unlock()
	if !active {
		// The now-inactive output's input becomes available to other
		// cores; its quantum resets on next dispatch.
		s.setCurInput(o, invalidOrdinal)
	} else {
		o.waiting = true
	}
	return StatusOK
}

// OutputIndex returns this stream's 0-based output ordinal.
func (st *Stream[R]) OutputIndex() int { return st.o().index }

func (st *Stream[R]) curInput() *inputState[R] {
	o := st.o()
	if o.curInput < 0 {
		return nil
	}
	return st.s.inputs[o.curInput]
}

// InputName returns the label of the current input.
func (st *Stream[R]) InputName() string {
	if in := st.curInput(); in != nil {
		return in.name
	}
	return ""
}

// InputOrdinal returns the 0-based index of the current input, or -1.
func (st *Stream[R]) InputOrdinal() int { return st.o().curInput }

// Tid returns the current input's thread id, or 0 when idle.
func (st *Stream[R]) Tid() int64 {
	if in := st.curInput(); in != nil {
		return in.tid
	}
	return 0
}

// ShardIndex returns the current input's shard index within its workload.
func (st *Stream[R]) ShardIndex() int {
	if in := st.curInput(); in != nil {
		return in.shardIndex
	}
	return -1
}

// WorkloadOrdinal returns the current input's workload index.
func (st *Stream[R]) WorkloadOrdinal() int {
	if in := st.curInput(); in != nil {
		return in.workload
	}
	return -1
}

// OutputCPUID returns the cpu this output models: its own index for
// dynamic and static mappings, the as-traced cpuid for replayed schedules.
func (st *Stream[R]) OutputCPUID() int64 {
	o := st.o()
	if st.s.opts.Mapping == MapToAnyOutput || st.s.opts.Mapping == MapToConsistentOutput {
		return int64(o.index)
	}
	return o.asTracedCPUID
}

// InputRecordOrdinal returns the current input's record ordinal.
func (st *Stream[R]) InputRecordOrdinal() uint64 {
	if in := st.curInput(); in != nil {
		return in.rd.RecordOrdinal()
	}
	return 0
}

// InputInstructionOrdinal returns the current input's consumer-visible
// instruction ordinal.
func (st *Stream[R]) InputInstructionOrdinal() uint64 {
	in := st.curInput()
	if in == nil {
		return 0
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.instrOrdinal()
}

// InputFirstTimestamp returns the current input's first timestamp.
func (st *Stream[R]) InputFirstTimestamp() uint64 {
	if in := st.curInput(); in != nil {
		return in.rd.FirstTimestamp()
	}
	return 0
}

// InputLastTimestamp returns the current input's most recent timestamp.
func (st *Stream[R]) InputLastTimestamp() uint64 {
	if in := st.curInput(); in != nil {
		return in.rd.LastTimestamp()
	}
	return 0
}

// IsRecordSynthetic reports whether the last delivered record was
// synthesized (injected switch code, synthesized exits, speculation).
func (st *Stream[R]) IsRecordSynthetic() bool {
	o := st.o()
	if o.speculating() {
		return true
	}
	if o.lastSynthetic {
		return true
	}
	if in := st.curInput(); in != nil {
		return in.rd.IsRecordSynthetic()
	}
	return false
}

// IsRecordKernel reports whether the last delivered record is kernel code.
func (st *Stream[R]) IsRecordKernel() bool { return st.o().inKernelCode }

// Statistic returns one scheduling counter for this output, or -1 for an
// unknown statistic.
func (st *Stream[R]) Statistic(stat Stat) int64 {
	if stat < 0 || stat >= numStats {
		return -1
	}
	return st.o().stats[stat]
}

// Header metadata, snapshotted when the current input was assigned and
// falling back to the live reader for fields that appear later in the stream.

func (st *Stream[R]) headerValue(snap uint64, live func(in *inputState[R]) uint64) uint64 {
	if snap != 0 {
		return snap
	}
	if in := st.curInput(); in != nil {
		return live(in)
	}
	return 0
}

func (st *Stream[R]) Version() uint64 {
	return st.headerValue(st.o().version, func(in *inputState[R]) uint64 { return in.rd.Version() })
}

func (st *Stream[R]) Filetype() uint64 {
	return st.headerValue(st.o().filetype, func(in *inputState[R]) uint64 { return in.rd.Filetype() })
}

func (st *Stream[R]) PageSize() uint64 {
	return st.headerValue(st.o().pageSize, func(in *inputState[R]) uint64 { return in.rd.PageSize() })
}

func (st *Stream[R]) CacheLineSize() uint64 {
	return st.headerValue(st.o().cacheLineSize, func(in *inputState[R]) uint64 { return in.rd.CacheLineSize() })
}

func (st *Stream[R]) ChunkInstrCount() uint64 {
	return st.headerValue(st.o().chunkInstrCount, func(in *inputState[R]) uint64 { return in.rd.ChunkInstrCount() })
}

func (st *Stream[R]) FirstTimestamp() uint64 { return st.o().firstTimestamp }

func (st *Stream[R]) LastTimestamp() uint64 { return st.o().lastTimestamp }
