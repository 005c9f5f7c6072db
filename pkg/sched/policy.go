package sched

import (
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// scaleBlockedTime converts an observed syscall latency (or timeout argument)
// in microseconds into modeled block time in consumer time units, capped to
// keep outlier latencies from stalling the simulation for minutes.
func (s *Scheduler[R]) scaleBlockedTime(latencyUs uint64) uint64 {
	scaledUs := uint64(float64(latencyUs) * s.opts.BlockTimeMultiplier)
	if scaledUs > s.opts.BlockTimeMaxUs {
		scaledUs = s.opts.BlockTimeMaxUs
	}
	return uint64(float64(scaledUs) * s.opts.TimeUnitsPerUs)
}

// syscallIncursSwitch decides at the post-syscall instruction whether the
// syscall latency warrants modeling a block. It returns the modeled block
// time alongside. Caller holds the input lock.
func (s *Scheduler[R]) syscallIncursSwitch(in *inputState[R]) (blockedTime uint64, switchIt bool) {
	postTime := in.rd.LastTimestamp()
	if in.rd.Version() < memtrace.VersionFrequentTimestamps {
		// Legacy trace without timestamps bracketing syscalls: switch on
		// every maybe-blocking syscall and use the threshold as the
		// latency estimate.
		return s.scaleBlockedTime(s.opts.BlockingSwitchThresholdUs), in.processingMaybeBlockingSyscall
	}
	latency := postTime - in.preSyscallTimestamp
	threshold := s.opts.SyscallSwitchThresholdUs
	if in.processingMaybeBlockingSyscall {
		threshold = s.opts.BlockingSwitchThresholdUs
	}
	blockedTime = s.scaleBlockedTime(latency)
	s.log.Debug("syscall latency",
		zap.Int("input", in.index),
		zap.Uint64("latency", latency),
		zap.Uint64("blocked_time", blockedTime),
		zap.Bool("maybe_blocking", in.processingMaybeBlockingSyscall))
	return blockedTime, latency >= threshold
}

// processMarker updates input and output state for one marker record. The
// caller holds in's lock; for schedule markers it is released around the
// cross-input work.
func (s *Scheduler[R]) processMarker(in *inputState[R], o *outputState[R], typ memtrace.MarkerType, value uint64) {
	switch typ {
	case memtrace.MarkerSyscall:
		in.processingSyscall = true
		in.preSyscallTimestamp = in.rd.LastTimestamp()
	case memtrace.MarkerMaybeBlockingSyscall:
		in.processingMaybeBlockingSyscall = true
		// Usually the timestamp came with a just-prior syscall marker, but
		// synthetic sequences may carry only the maybe-blocking form.
		in.preSyscallTimestamp = in.rd.LastTimestamp()
	case memtrace.MarkerContextSwitchStart:
		o.inContextSwitchCode = true
		o.inKernelCode = true
	case memtrace.MarkerSyscallTraceStart:
		o.inKernelCode = true
	case memtrace.MarkerContextSwitchEnd:
		// The end marker itself still counts as switch code; clearing is
		// deferred to the next record.
		o.hitSwitchCodeEnd = true
		o.inKernelCode = false
	case memtrace.MarkerSyscallTraceEnd:
		o.inKernelCode = false
	case memtrace.MarkerSyscallArgTimeout:
		// Cleared at the post-syscall instruction.
		in.syscallTimeoutArg = value
	case memtrace.MarkerDirectThreadSwitch:
		if !s.opts.HonorDirectSwitches {
			return
		}
		o.stats[StatDirectSwitchAttempts]++
		targetTid := int64(value)
		if idx, ok := s.tid2input[workloadTid{workload: in.workload, tid: targetTid}]; ok {
			in.switchToInput = idx
		} else {
			s.log.Warn("direct switch target not found",
				zap.Int("input", in.index), zap.Int64("target_tid", targetTid))
		}
		s.markUnscheduled(in, o)
	case memtrace.MarkerSyscallUnschedule:
		if !s.opts.HonorDirectSwitches {
			return
		}
		s.markUnscheduled(in, o)
	case memtrace.MarkerSyscallSchedule:
		if !s.opts.HonorDirectSwitches {
			return
		}
		targetTid := int64(value)
		idx, ok := s.tid2input[workloadTid{workload: in.workload, tid: targetTid}]
		if !ok {
			s.log.Warn("schedule target not found",
				zap.Int("input", in.index), zap.Int64("target_tid", targetTid))
			return
		}
		s.rescheduleTarget(in, idx)
	}
}

// markUnscheduled parks in, or consumes a pending skip request. The kernel
// mechanism being modeled holds a single pending request, so a prior schedule
// request swallows exactly one unschedule.
func (s *Scheduler[R]) markUnscheduled(in *inputState[R], o *outputState[R]) {
	if in.skipNextUnscheduled {
		in.skipNextUnscheduled = false
		s.log.Debug("unschedule request ignored due to prior schedule request",
			zap.Int("input", in.index))
		return
	}
	in.unscheduled = true
	if in.syscallTimeoutArg > 0 {
		in.blockedTime = s.scaleBlockedTime(in.syscallTimeoutArg)
		in.blockedStartTime = o.curTime
	}
}

// rescheduleTarget wakes the target of a schedule marker, or arms its
// skip-next-unschedule if it has not parked yet. Lock order requires
// releasing in's lock before taking the scheduler lock.
func (s *Scheduler[R]) rescheduleTarget(in *inputState[R], targetIdx int) {
	in.mu.Unlock()
	defer in.mu.Lock()

	needLock := s.needSchedLock()
	if needLock {
		s.schedLock.Lock()
		defer s.schedLock.Unlock()
	}
	target := s.inputs[targetIdx]
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.unscheduled {
		target.unscheduled = false
		if s.unsched.contains(target) {
			s.unsched.erase(target)
			s.addToReadyQueue(target)
		} else if s.ready.contains(target) && target.blockedTime > 0 {
			// The block came from a timeout argument; the wake erases it.
			s.numBlocked--
			target.blockedTime = 0
		}
	} else {
		s.log.Debug("target will skip next unschedule", zap.Int("target", targetIdx))
		target.skipNextUnscheduled = true
	}
}
