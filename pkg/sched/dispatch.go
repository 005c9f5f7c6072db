package sched

import (
	"errors"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

func (s *Scheduler[R]) needSchedLock() bool {
	return s.opts.Mapping == MapToAnyOutput || s.opts.Mapping == MapAsPreviously
}

// addToUnscheduledQueue parks in indefinitely. Caller holds the scheduler
// lock where required.
func (s *Scheduler[R]) addToUnscheduledQueue(in *inputState[R]) {
	s.unschedCounter++
	in.queuePos = s.unschedCounter
	s.unsched.push(in)
}

// addToReadyQueue makes in runnable, or parks it if it unscheduled itself
// with no timeout. Caller holds the scheduler lock where required.
func (s *Scheduler[R]) addToReadyQueue(in *inputState[R]) {
	if in.unscheduled && in.blockedTime == 0 {
		s.addToUnscheduledQueue(in)
		return
	}
	if in.blockedTime > 0 {
		s.numBlocked++
	}
	s.readyCounter++
	in.queuePos = s.readyCounter
	s.ready.push(in)
}

// popFromReadyQueue removes and returns the best runnable input whose binding
// permits forOutput. Binding-incompatible entries are re-inserted with their
// counters intact to preserve FIFO order; still-blocked entries go to the
// back. A nil input with StatusIdle means everything runnable is blocked.
func (s *Scheduler[R]) popFromReadyQueue(forOutput int) (*inputState[R], Status) {
	var res *inputState[R]
	var skipped, blocked []*inputState[R]
	status := StatusOK
	var curTime uint64
	if s.numBlocked > 0 {
		curTime = s.outputs[forOutput].curTime
	}
	for !s.ready.empty() {
		if s.opts.RandomizeNextInput {
			res = s.ready.randomEntry(s.rng)
		} else {
			res = s.ready.pop()
		}
		if res.bindsTo(forOutput) {
			// Blocked inputs stay in the ready queue: with no interrupts,
			// unblocking is only checked when an input would be chosen.
			if res.blockedTime > 0 {
				s.numBlocked--
			}
			if res.blockedTime > 0 && curTime-res.blockedStartTime < res.blockedTime {
				blocked = append(blocked, res)
			} else {
				break
			}
		} else {
			skipped = append(skipped, res)
		}
		res = nil
	}
	if res == nil && len(blocked) > 0 {
		// Not EOF: inputs are still blocked on i/o, so wait and retry.
		status = StatusIdle
	}
	for _, in := range skipped {
		s.ready.reinsert(in)
	}
	for _, in := range blocked {
		s.addToReadyQueue(in)
	}
	if res != nil {
		res.blockedTime = 0
		res.unscheduled = false
	}
	return res, status
}

// markInputEOF transitions in to EOF. Caller holds in's lock.
func (s *Scheduler[R]) markInputEOF(in *inputState[R]) {
	if in.atEOF {
		return
	}
	in.atEOF = true
	left := s.liveInputCount.Add(-1)
	s.log.Debug("input at eof", zap.Int("input", in.index), zap.Int64("live", left))
}

// eofOrIdle reports EOF when nothing can ever run again, else records the
// idle transition and returns StatusIdle. haveLock indicates the scheduler
// lock is already held.
func (s *Scheduler[R]) eofOrIdle(o *outputState[R], prevInput int, haveLock bool) Status {
	if s.opts.Mapping == MapToConsistentOutput ||
		s.liveInputCount.Load() == 0 ||
		(s.opts.Mapping == MapAsPreviously && s.liveReplayOutputCount.Load() == 0) {
		return StatusEOF
	}
	if !haveLock && s.needSchedLock() {
		s.schedLock.Lock()
		defer s.schedLock.Unlock()
	}
	if s.opts.Mapping == MapToAnyOutput {
		// Hang avoidance: when schedule or direct-switch targets were
		// filtered out of the workload, parked inputs may never be woken.
		// After waiting out the block-time cap, force the whole unscheduled
		// queue back to ready.
		if s.ready.empty() && !s.unsched.empty() {
			if o.waitStartTime == 0 {
				o.waitStartTime = o.curTime
			} else {
				elapsedMicros := float64(o.curTime-o.waitStartTime) * s.opts.TimeUnitsPerUs
				if elapsedMicros > float64(s.opts.BlockTimeMaxUs) {
					s.log.Warn("moving entire unscheduled queue to ready queue",
						zap.Int("count", s.unsched.Len()))
					for !s.unsched.empty() {
						moved := s.unsched.pop()
						moved.mu.Lock()
						moved.unscheduled = false
						moved.mu.Unlock()
						s.readyCounter++
						moved.queuePos = s.readyCounter
						s.ready.push(moved)
					}
					o.waitStartTime = 0
				}
			}
		} else {
			o.waitStartTime = 0
		}
	}
	o.waiting = true
	if prevInput != invalidOrdinal {
		o.stats[StatSwitchInputToIdle]++
	}
	s.setCurInput(o, invalidOrdinal)
	return StatusIdle
}

// setCurInput transfers ownership of an input to o, releasing any prior
// input back to the pool and handling schedule recording, header snapshots,
// and kernel switch injection. Caller holds the scheduler lock where
// required.
func (s *Scheduler[R]) setCurInput(o *outputState[R], index int) Status {
	prevInput := o.curInput
	if prevInput >= 0 {
		prev := s.inputs[prevInput]
		if s.opts.Mapping == MapToAnyOutput && prevInput != index && !prev.atEOF {
			s.addToReadyQueue(prev)
		}
		if prevInput != index && s.opts.RecordSchedule {
			prev.mu.Lock()
			st := s.closeScheduleSegment(o, prev)
			prev.mu.Unlock()
			if st != StatusOK {
				return st
			}
		}
	} else if s.opts.RecordSchedule && len(o.record) > 0 &&
		o.record[len(o.record)-1].Type == memtrace.SegIdle {
		if st := s.closeScheduleSegment(o, nil); st != StatusOK {
			return st
		}
	}
	if o.curInput >= 0 {
		o.prevInput = o.curInput
	}
	o.curInput = index
	if index < 0 || prevInput == index {
		return StatusOK
	}

	prevWorkload := -1
	if o.prevInput >= 0 && o.prevInput != index {
		prevWorkload = s.inputs[o.prevInput].workload
	}

	in := s.inputs[index]
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.prevOutput != invalidOrdinal && in.prevOutput != o.index {
		o.stats[StatMigrations]++
	}
	in.prevOutput = o.index

	// Snapshot the newly assigned input's header metadata up front so the
	// consumer can query it before reading records.
	o.version = in.rd.Version()
	o.filetype = in.rd.Filetype()
	o.cacheLineSize = in.rd.CacheLineSize()
	o.chunkInstrCount = in.rd.ChunkInstrCount()
	o.pageSize = in.rd.PageSize()
	o.firstTimestamp = in.rd.FirstTimestamp()
	o.lastTimestamp = in.rd.LastTimestamp()

	if hdrs := s.ops.SwitchHeaders(in.tid, in.pid); len(hdrs) > 0 && in.instrOrdinal() > 0 {
		for i := len(hdrs) - 1; i >= 0; i-- {
			in.queue.pushFront(queuedRec[R]{rec: hdrs[i], synthetic: true})
		}
	}

	s.injectKernelSwitch(o, in, prevWorkload)

	in.prevTimeInQuantum = o.curTime

	if s.opts.RecordSchedule {
		instrOrd := in.instrOrdinal()
		if len(in.regions) > 0 && in.curRegion == 0 && in.inCurRegion &&
			(instrOrd == in.regions[0].Start || instrOrd+1 == in.regions[0].Start) {
			// The init-time skip had no output to record against; record
			// it now.
			if st := s.recordScheduleSkip(o, in, 0, in.regions[0].Start); st != StatusOK {
				return st
			}
		} else {
			if st := s.recordScheduleSegment(o, memtrace.SegDefault, index, instrOrd, 0); st != StatusOK {
				return st
			}
		}
	}
	return StatusOK
}

// pickNextInput selects and assigns the next input for o. blockedTime, when
// nonzero, is the modeled block time for the input being switched away from.
func (s *Scheduler[R]) pickNextInput(o *outputState[R], blockedTime uint64) Status {
	needLock := s.needSchedLock()
	if needLock {
		s.schedLock.Lock()
		defer s.schedLock.Unlock()
	}
	res := StatusOK
	prevIndex := o.curInput
	index := invalidOrdinal
	for {
		if index < 0 {
			switch {
			case s.opts.Mapping == MapAsPreviously:
				var st Status
				index, st = s.pickNextInputAsPreviously(o)
				if st == StatusSkipped {
					res = st
					goto assign
				}
				if st != StatusOK {
					return st
				}
			case s.opts.Mapping == MapToAnyOutput:
				var st Status
				index, st = s.pickNextInputDynamic(o, prevIndex, blockedTime)
				if st != StatusOK {
					return st
				}
			case s.opts.Dependency == DependencyTimestamps:
				minTime := uint64(math.MaxUint64)
				for i, in := range s.inputs {
					in.mu.Lock()
					if !in.atEOF && in.nextTimestamp > 0 && in.nextTimestamp < minTime {
						minTime = in.nextTimestamp
						index = i
					}
					in.mu.Unlock()
				}
				if index < 0 {
					return s.eofOrIdle(o, prevIndex, needLock)
				}
			case s.opts.Mapping == MapToConsistentOutput:
				o.inputIndicesIndex++
				if o.inputIndicesIndex >= len(o.inputIndices) {
					return StatusEOF
				}
				index = o.inputIndices[o.inputIndicesIndex]
			default:
				return StatusInvalid
			}
		}
		{
			in := s.inputs[index]
			in.mu.Lock()
			if in.needsInit {
				if err := in.rd.Init(); err != nil {
					in.mu.Unlock()
					s.log.Error("input init failed", zap.Int("input", index), zap.Error(err))
					return StatusInvalid
				}
				in.needsInit = false
			}
			if in.atEOF {
				in.mu.Unlock()
				index = invalidOrdinal
				continue
			}
			in.mu.Unlock()
		}
		break
	}
assign:
	switch {
	case prevIndex == index:
		o.stats[StatSwitchNop]++
	case prevIndex != invalidOrdinal && index != invalidOrdinal:
		o.stats[StatSwitchInputToInput]++
	case index == invalidOrdinal:
		o.stats[StatSwitchInputToIdle]++
	default:
		o.stats[StatSwitchIdleToInput]++
	}
	if st := s.setCurInput(o, index); st != StatusOK {
		return st
	}
	return res
}

// pickNextInputDynamic implements the shared-queue selection, including
// direct-switch targets and blocked-time bookkeeping. Caller holds the
// scheduler lock.
func (s *Scheduler[R]) pickNextInputDynamic(o *outputState[R], prevIndex int, blockedTime uint64) (int, Status) {
	if blockedTime > 0 && prevIndex != invalidOrdinal {
		prev := s.inputs[prevIndex]
		prev.mu.Lock()
		if prev.blockedTime == 0 {
			prev.blockedTime = blockedTime
			prev.blockedStartTime = o.curTime
		}
		prev.mu.Unlock()
	}
	if prevIndex != invalidOrdinal && s.inputs[prevIndex].switchToInput != invalidOrdinal {
		target := s.inputs[s.inputs[prevIndex].switchToInput]
		s.inputs[prevIndex].switchToInput = invalidOrdinal
		target.mu.Lock()
		switch {
		case s.ready.contains(target):
			s.ready.erase(target)
			if target.blockedTime > 0 {
				// Erase any remaining wait time for the target.
				s.numBlocked--
				target.blockedTime = 0
				target.unscheduled = false
			}
			s.creditDirectSwitch(o, target)
			target.mu.Unlock()
			return target.index, StatusOK
		case s.unsched.contains(target):
			target.unscheduled = false
			s.unsched.erase(target)
			s.creditDirectSwitch(o, target)
			target.mu.Unlock()
			return target.index, StatusOK
		default:
			// The target is running elsewhere: treat the request as a
			// dynamic switch to whoever is available, and make sure the
			// missed target does not park itself forever.
			s.log.Warn("direct switch target is running elsewhere",
				zap.Int("from", prevIndex), zap.Int("target", target.index))
			target.skipNextUnscheduled = true
			target.mu.Unlock()
		}
	}
	if s.ready.empty() && blockedTime == 0 {
		if prevIndex == invalidOrdinal {
			return invalidOrdinal, s.eofOrIdle(o, prevIndex, true)
		}
		prev := s.inputs[prevIndex]
		prev.mu.Lock()
		atEOF := prev.atEOF
		prev.mu.Unlock()
		if atEOF {
			return invalidOrdinal, s.eofOrIdle(o, prevIndex, true)
		}
		// Nothing else to run: stay on the prior input.
		return prevIndex, StatusOK
	}
	// Give up the input before going to the queue so it competes there. The
	// queue preserves FIFO among equal priorities, so an equal-priority
	// waiter does get the turn.
	s.setCurInput(o, invalidOrdinal)
	next, st := s.popFromReadyQueue(o.index)
	if st != StatusOK {
		if st == StatusIdle {
			o.waiting = true
			if s.opts.RecordSchedule {
				if rst := s.recordScheduleSegment(o, memtrace.SegIdle, 0, 0, 0); rst != StatusOK {
					return invalidOrdinal, rst
				}
			}
			if prevIndex != invalidOrdinal {
				o.stats[StatSwitchInputToIdle]++
			}
		}
		return invalidOrdinal, st
	}
	if next == nil {
		return invalidOrdinal, s.eofOrIdle(o, prevIndex, true)
	}
	return next.index, StatusOK
}

func (s *Scheduler[R]) creditDirectSwitch(o *outputState[R], target *inputState[R]) {
	if target.prevOutput != invalidOrdinal && target.prevOutput != o.index {
		o.stats[StatMigrations]++
	}
	o.stats[StatDirectSwitchSuccesses]++
}

// nextRecord delivers at most one record for o.
func (s *Scheduler[R]) nextRecord(o *outputState[R], curTime uint64) (R, Status) {
	invalid := s.ops.Invalid()
	if curTime == 0 {
		curTime = s.nowMicros()
	}
	o.curTime = curTime
	if !o.active.Load() {
		return invalid, StatusIdle
	}
	if o.waiting {
		if s.opts.Mapping == MapAsPreviously && o.waitStartTime > 0 {
			duration := o.record[o.recordIndex].IdleDuration()
			if o.curTime-o.waitStartTime < duration {
				return invalid, StatusWait
			}
			o.waitStartTime = 0
		}
		st := s.pickNextInput(o, 0)
		if st != StatusOK && st != StatusSkipped {
			return invalid, st
		}
		o.waiting = false
	}
	if o.curInput < 0 {
		return invalid, s.eofOrIdle(o, o.curInput, false)
	}
	in := s.inputs[o.curInput]
	in.mu.Lock()
	if in.prevTimeInQuantum == 0 {
		in.prevTimeInQuantum = curTime
	}
	if o.speculating() {
		// Synthesize from the speculation pc; ordinals and quantum
		// accounting stay frozen.
		o.prevSpeculatePC = o.speculatePC
		rec := s.ops.NopInstr(in.tid, o.speculatePC)
		o.speculatePC++
		in.mu.Unlock()
		return rec, StatusOK
	}
	var rec R
	var synthetic bool
	for {
		if in.needsInit {
			if err := in.rd.Init(); err != nil {
				in.mu.Unlock()
				s.log.Error("input init failed", zap.Int("input", in.index), zap.Error(err))
				return invalid, StatusInvalid
			}
			in.needsInit = false
		}
		if !in.queue.empty() {
			q := in.queue.popFront()
			rec, synthetic = q.rec, q.synthetic
		} else {
			var err error
			if in.atEOF {
				err = io.EOF
			} else {
				rec, err = in.rd.Next()
			}
			if errors.Is(err, io.EOF) {
				s.markInputEOF(in)
				prevIdx := in.index
				quantumExhausted := s.opts.QuantumUnit == QuantumInstructions &&
					s.opts.QuantumDurationInstrs > 0 &&
					in.instrsInQuantum >= s.opts.QuantumDurationInstrs
				in.mu.Unlock()
				st := s.pickNextInput(o, 0)
				if st != StatusOK && st != StatusSkipped {
					return invalid, st
				}
				// An input that ran out exactly at quantum end was due for
				// preemption; the forced switch doubles as one.
				if o.curInput != prevIdx && o.curInput >= 0 && quantumExhausted {
					o.stats[StatQuantumPreempts]++
				}
				in = s.inputs[o.curInput]
				in.mu.Lock()
				continue
			} else if err != nil {
				in.mu.Unlock()
				s.log.Error("input read failed", zap.Int("input", in.index), zap.Error(err))
				return invalid, StatusInvalid
			}
			synthetic = false
		}
		if !synthetic && in.instrsPreRead > 0 && s.ops.IsInstr(rec) {
			in.instrsPreRead--
		}

		needNewInput := false
		preempt := false
		var blockedTime uint64
		var prevTimeInQuantum uint64

		if s.opts.Mapping == MapAsPreviously {
			if o.recordIndex >= 0 && o.recordIndex < len(o.record) {
				switch seg := o.record[o.recordIndex]; seg.Type {
				case memtrace.SegSkip:
					needNewInput = true
				case memtrace.SegSyntheticEnd:
					// The queued exit record is delivered as-is.
				case memtrace.SegDefault:
					// Stop is exclusive over delivered instructions. The
					// 0,0 starter entry exists only to get into the loop
					// ahead of a skip and always advances.
					if (seg.Start == 0 && seg.Stop == 0) || in.instrOrdinal() > seg.Stop {
						needNewInput = true
					}
				}
			}
		} else if s.opts.Mapping == MapToAnyOutput {
			if in.processingSyscall || in.processingMaybeBlockingSyscall {
				// Wait until past all the markers associated with the
				// syscall; the recorded format switches on instruction
				// boundaries.
				if s.ops.IsInstrBoundary(rec, o.lastRecord) {
					switch {
					case in.switchToInput != invalidOrdinal:
						// The switch request overrides any latency
						// threshold.
						needNewInput = true
					case in.blockedTime > 0:
						needNewInput = true
						blockedTime = in.blockedTime
					case in.unscheduled:
						needNewInput = true
					default:
						if bt, switchIt := s.syscallIncursSwitch(in); switchIt {
							needNewInput = true
							blockedTime = bt
						}
					}
					in.processingSyscall = false
					in.processingMaybeBlockingSyscall = false
					in.preSyscallTimestamp = 0
					in.syscallTimeoutArg = 0
				}
			}
			if o.hitSwitchCodeEnd {
				// Delay so the end marker was still inside switch code.
				o.inContextSwitchCode = false
				o.hitSwitchCodeEnd = false
				if s.opts.QuantumUnit == QuantumTime {
					in.prevTimeInQuantum = curTime
				}
			}
			if mt, mv, ok := s.ops.IsMarker(rec); ok {
				s.processMarker(in, o, mt, mv)
			}
			if s.opts.QuantumUnit == QuantumInstructions && !synthetic &&
				s.ops.IsInstrBoundary(rec, o.lastRecord) && !o.inKernelCode {
				in.instrsInQuantum++
				if in.instrsInQuantum > s.opts.QuantumDurationInstrs {
					// Prefer the context switch over timestamp ordering.
					preempt = true
					needNewInput = true
					in.instrsInQuantum = 0
					o.stats[StatQuantumPreempts]++
				}
			} else if s.opts.QuantumUnit == QuantumTime {
				if curTime == 0 || curTime < in.prevTimeInQuantum {
					in.mu.Unlock()
					s.log.Error("invalid time went backward",
						zap.Uint64("cur", curTime), zap.Uint64("start", in.prevTimeInQuantum))
					return invalid, StatusInvalid
				}
				in.timeSpentInQuantum += float64(curTime - in.prevTimeInQuantum)
				prevTimeInQuantum = in.prevTimeInQuantum
				in.prevTimeInQuantum = curTime
				elapsedMicros := in.timeSpentInQuantum / s.opts.TimeUnitsPerUs
				if elapsedMicros >= float64(s.opts.QuantumDurationUs) &&
					s.ops.IsInstrBoundary(rec, o.lastRecord) {
					preempt = true
					needNewInput = true
					in.timeSpentInQuantum = 0
					o.stats[StatQuantumPreempts]++
				}
			}
		}
		if s.opts.Dependency == DependencyTimestamps &&
			s.opts.Mapping != MapAsPreviously && s.opts.Mapping != MapToAnyOutput {
			if ts, ok := s.ops.IsTimestamp(rec); ok {
				in.nextTimestamp = ts
				needNewInput = true
			}
		}

		if needNewInput {
			prevIdx := o.curInput
			// The candidate goes on the queue before the lock is released:
			// another output may grab this input. It counts as pre-read
			// until actually delivered.
			if !synthetic && s.ops.IsInstr(rec) {
				in.instrsPreRead++
			}
			in.queue.pushBack(queuedRec[R]{rec: rec, synthetic: synthetic})
			in.mu.Unlock()
			st := s.pickNextInput(o, blockedTime)
			if st != StatusOK && st != StatusWait && st != StatusSkipped {
				return invalid, st
			}
			if o.curInput != prevIdx {
				// Undo the quantum overshoot from the record that is being
				// handed back, unless a preempt already reset to zero.
				if !preempt && s.opts.Mapping == MapToAnyOutput {
					prev := s.inputs[prevIdx]
					prev.mu.Lock()
					if s.opts.QuantumUnit == QuantumInstructions &&
						s.ops.IsInstrBoundary(rec, o.lastRecord) {
						prev.instrsInQuantum--
					} else if s.opts.QuantumUnit == QuantumTime {
						prev.timeSpentInQuantum -= float64(curTime - prevTimeInQuantum)
					}
					prev.mu.Unlock()
				}
				if st == StatusWait {
					return invalid, StatusWait
				}
				in = s.inputs[o.curInput]
				in.mu.Lock()
				continue
			}
			in.mu.Lock()
			if st == StatusSkipped {
				continue
			}
			// Get the candidate back, undoing its pre-read accounting.
			q := in.queue.popBack()
			rec, synthetic = q.rec, q.synthetic
			if !synthetic && in.instrsPreRead > 0 && s.ops.IsInstr(rec) {
				in.instrsPreRead--
			}
		}
		if in.needsROI && s.opts.Mapping != MapAsPreviously && len(in.regions) > 0 {
			newRec, st := s.advanceRegionOfInterest(o, rec, in, synthetic)
			if st == StatusSkipped {
				in.needsROI = false
				continue
			}
			if st != StatusOK {
				in.mu.Unlock()
				return invalid, st
			}
			rec = newRec
		} else {
			in.needsROI = true
		}
		break
	}
	in.mu.Unlock()
	o.lastRecord = rec
	o.hasLastRecord = true
	o.lastSynthetic = synthetic
	if ts, ok := s.ops.IsTimestamp(rec); ok {
		o.lastTimestamp = ts
	}
	return rec, StatusOK
}
