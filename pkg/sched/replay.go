package sched

import (
	"fmt"
	"io"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// recordScheduleSegment opens a new segment on o. The stop ordinal is filled
// later by closeScheduleSegment. Wall-clock time is always used for the
// timestamp: simulated times can be out of order across outputs and lead to
// replay deadlocks.
func (s *Scheduler[R]) recordScheduleSegment(o *outputState[R], typ memtrace.SegmentType, input int, start, stop uint64) Status {
	if typ == memtrace.SegIdle && len(o.record) > 0 &&
		o.record[len(o.record)-1].Type == memtrace.SegIdle {
		// Consecutive idle records balloon the file; merge.
		return StatusOK
	}
	o.record = append(o.record, memtrace.Segment{
		Type:      typ,
		Input:     int32(input),
		Start:     start,
		Stop:      stop,
		Timestamp: s.nowMicros(),
	})
	return StatusOK
}

// closeScheduleSegment fills in the exclusive stop ordinal of o's open
// segment. in is nil when closing an idle segment.
func (s *Scheduler[R]) closeScheduleSegment(o *outputState[R], in *inputState[R]) Status {
	if len(o.record) == 0 {
		return StatusInvalid
	}
	last := &o.record[len(o.record)-1]
	if last.Type == memtrace.SegSkip {
		// Skips carry their final stop already.
		return StatusOK
	}
	if last.Type == memtrace.SegIdle {
		end := s.nowMicros()
		last.Start = end - last.Timestamp // idle_duration
		return StatusOK
	}
	if last.Type == memtrace.SegVersion || last.Type == memtrace.SegSyntheticEnd {
		return StatusOK
	}
	if in == nil {
		return StatusInvalid
	}
	instrOrd := in.instrOrdinal()
	if in.atEOF {
		// The stop is exclusive, so use the max value for to-the-end.
		instrOrd = math.MaxUint64
	}
	last.Stop = instrOrd
	return StatusOK
}

// recordScheduleSkip records a region-of-interest skip: the prior default
// segment is closed, then SKIP(start,stop) and a fresh DEFAULT at stop are
// appended. Caller holds in's lock.
func (s *Scheduler[R]) recordScheduleSkip(o *outputState[R], in *inputState[R], start, stop uint64) Status {
	if !s.opts.RecordSchedule {
		return StatusInvalid
	}
	if len(o.record) > 0 {
		last := o.record[len(o.record)-1]
		if last.Type == memtrace.SegDefault && int(last.Input) == in.index {
			if st := s.closeScheduleSegment(o, in); st != StatusOK {
				return st
			}
		}
	}
	if len(o.record) == 1 {
		// Replay cannot start on a skip record: prepend a 0,0 starter
		// default to get things rolling.
		if st := s.recordScheduleSegment(o, memtrace.SegDefault, in.index, 0, 0); st != StatusOK {
			return st
		}
	}
	if st := s.recordScheduleSegment(o, memtrace.SegSkip, in.index, start, stop); st != StatusOK {
		return st
	}
	return s.recordScheduleSegment(o, memtrace.SegDefault, in.index, stop, 0)
}

// WriteRecordedSchedule appends a footer to each output's segment list and
// writes the archive. Call once all outputs have hit EOF.
func (s *Scheduler[R]) WriteRecordedSchedule(w io.Writer) error {
	if !s.opts.RecordSchedule {
		return fmt.Errorf("%w: schedule recording is not enabled", ErrInvalidParameter)
	}
	s.schedLock.Lock()
	defer s.schedLock.Unlock()
	components := make([][]memtrace.Segment, len(s.outputs))
	for i, o := range s.outputs {
		if o.curInput >= 0 {
			in := s.inputs[o.curInput]
			in.mu.Lock()
			s.closeScheduleSegment(o, in)
			in.mu.Unlock()
		} else if len(o.record) > 0 && o.record[len(o.record)-1].Type == memtrace.SegIdle {
			s.closeScheduleSegment(o, nil)
		}
		s.recordScheduleSegment(o, memtrace.SegFooter, 0, 0, 0)
		components[i] = o.record
	}
	if err := memtrace.WriteScheduleArchive(w, components); err != nil {
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	return nil
}

// loadRecordedSchedule installs the replay segments from Options and assigns
// each output its starting state. Caller holds the scheduler lock.
func (s *Scheduler[R]) loadRecordedSchedule() error {
	if len(s.opts.ReplaySchedule) != len(s.outputs) {
		return fmt.Errorf("%w: recorded schedule has %d components for %d outputs",
			ErrInvalidParameter, len(s.opts.ReplaySchedule), len(s.outputs))
	}
	for i, segs := range s.opts.ReplaySchedule {
		o := s.outputs[i]
		if len(segs) == 0 {
			return fmt.Errorf("%w: empty schedule component %d", ErrInvalidParameter, i)
		}
		if segs[0].Type != memtrace.SegVersion || segs[0].Version() != memtrace.ScheduleVersion {
			return fmt.Errorf("%w: schedule component %d has bad version record",
				ErrInvalidParameter, i)
		}
		if segs[len(segs)-1].Type != memtrace.SegFooter {
			return fmt.Errorf("%w: schedule component %d missing footer", ErrInvalidParameter, i)
		}
		o.record = append([]memtrace.Segment(nil), segs[1:len(segs)-1]...)
		switch {
		case len(o.record) == 0:
			s.log.Debug("output empty in recorded schedule", zap.Int("output", i))
			s.setCurInput(o, invalidOrdinal)
			o.atEOF = true
			s.liveReplayOutputCount.Add(-1)
		case o.record[0].Type == memtrace.SegIdle:
			s.setCurInput(o, invalidOrdinal)
			o.waiting = true
			o.recordIndex = -1
			s.log.Debug("output starting out idle", zap.Int("output", i))
		default:
			if o.record[0].Type != memtrace.SegDefault {
				return fmt.Errorf("%w: schedule component %d starts with %v",
					ErrInvalidParameter, i, o.record[0].Type)
			}
			o.recordIndex = 0
			if st := s.setCurInput(o, int(o.record[0].Input)); st != StatusOK {
				return fmt.Errorf("%w: replay initial assignment: %v", ErrInternal, st)
			}
		}
	}
	return nil
}

// pickNextInputAsPreviously advances o's replay cursor and returns the next
// input to run, per the recorded segments. Caller holds the scheduler lock.
func (s *Scheduler[R]) pickNextInputAsPreviously(o *outputState[R]) (int, Status) {
	if o.recordIndex+1 >= len(o.record) {
		if !o.atEOF {
			o.atEOF = true
			s.liveReplayOutputCount.Add(-1)
		}
		return invalidOrdinal, s.eofOrIdle(o, o.curInput, true)
	}
	seg := o.record[o.recordIndex+1]
	if seg.Type == memtrace.SegIdle {
		o.waiting = true
		o.waitStartTime = o.curTime
		o.recordIndex++
		return invalidOrdinal, StatusIdle
	}
	index := int(seg.Input)
	in := s.inputs[index]
	in.mu.Lock()
	ord := in.instrOrdinal()
	if ord > seg.Start {
		s.log.Warn("replay wants an earlier instruction than the input's position",
			zap.Int("output", o.index), zap.Int("input", index),
			zap.Uint64("want", seg.Start), zap.Uint64("at", ord))
	}
	if ord < seg.Start &&
		// Do not wait for a region of interest that starts at the beginning.
		seg.Start > 1 &&
		(o.recordIndex == -1 ||
			// After a skip our separator markers sit at the prior ordinal.
			(o.record[o.recordIndex].Type != memtrace.SegSkip &&
				seg.Type != memtrace.SegSyntheticEnd)) {
		// Another output has not advanced this input far enough; only one
		// position per input stream is supported, so wait.
		in.mu.Unlock()
		s.setCurInput(o, invalidOrdinal)
		o.waiting = true
		return invalidOrdinal, StatusWait
	}
	in.mu.Unlock()
	// A segment that is ahead of another output's next segment must also
	// wait; there is only one timestamp per context switch, so this is the
	// finest replayable timing.
	if s.opts.Dependency == DependencyTimestamps {
		for _, other := range s.outputs {
			if other == o || other.recordIndex+1 >= len(other.record) {
				continue
			}
			if seg.Timestamp > other.record[other.recordIndex+1].Timestamp {
				s.setCurInput(o, invalidOrdinal)
				o.waiting = true
				return invalidOrdinal, StatusWait
			}
		}
	}
	switch seg.Type {
	case memtrace.SegSyntheticEnd:
		in.mu.Lock()
		// Past the final region of interest: throw out any queued
		// candidate and deliver a synthetic exit.
		in.queue.clear()
		in.queue.pushBack(queuedRec[R]{rec: s.ops.ThreadExit(in.tid), synthetic: true})
		s.markInputEOF(in)
		in.mu.Unlock()
		s.log.Debug("early end for input", zap.Int("input", index))
		// The queued exit still needs to be read, so stay on this entry.
		o.recordIndex++
		return index, StatusSkipped
	case memtrace.SegSkip:
		in.mu.Lock()
		cur := in.rd.InstructionOrdinal()
		st := s.skipInput(in, seg.Stop-cur-1)
		in.curRegion++
		in.mu.Unlock()
		if st != StatusSkipped {
			return invalidOrdinal, StatusInvalid
		}
		o.recordIndex += 2
		return index, StatusSkipped
	default:
		o.recordIndex++
		return index, StatusOK
	}
}

// instantiateTracedSchedule converts the as-traced per-cpu schedule stream
// into per-output replay segments: stop ordinals are derived from the next
// same-input start, adjacent same-input segments collapse, and two known
// data defects are repaired along the way.
func (s *Scheduler[R]) instantiateTracedSchedule() error {
	entries := s.opts.ReplayAsTraced
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty as-traced schedule", ErrInvalidParameter)
	}

	type tracedSeg struct {
		valid     bool
		input     int
		start     uint64
		stop      uint64
		timestamp uint64
	}
	type inputRef struct {
		disk      int
		arrayIdx  int
		start     uint64
		timestamp uint64
	}

	// First pass: group by cpu component, translating tids to ordinals and
	// dropping immediately-duplicate starts.
	var perDisk [][]tracedSeg
	var diskCPUs []uint64
	start2stop := make([]map[uint64]bool, len(s.inputs))
	inputSched := make([][]inputRef, len(s.inputs))
	for i := range start2stop {
		start2stop[i] = make(map[uint64]bool)
	}
	curCPU := uint64(math.MaxUint64)
	for _, e := range entries {
		if e.CPUID != curCPU {
			curCPU = e.CPUID
			diskCPUs = append(diskCPUs, curCPU)
			perDisk = append(perDisk, nil)
			if s.opts.Mapping == MapToRecordedOutput && len(perDisk) > len(s.outputs) {
				return fmt.Errorf("%w: as-traced cpu count exceeds output count",
					ErrInvalidParameter)
			}
		}
		disk := len(perDisk) - 1
		inputIdx := invalidOrdinal
		for _, in := range s.inputs {
			if in.tid == e.Tid {
				inputIdx = in.index
				break
			}
		}
		if inputIdx == invalidOrdinal {
			s.log.Warn("as-traced schedule references unknown tid", zap.Int64("tid", e.Tid))
			continue
		}
		segs := perDisk[disk]
		if len(segs) > 0 && segs[len(segs)-1].input == inputIdx &&
			segs[len(segs)-1].start == e.StartInstruction {
			// No instructions since the prior timestamp.
			continue
		}
		perDisk[disk] = append(segs, tracedSeg{
			valid:     true,
			input:     inputIdx,
			start:     e.StartInstruction,
			timestamp: e.Timestamp,
		})
		start2stop[inputIdx][e.StartInstruction] = true
		inputSched[inputIdx] = append(inputSched[inputIdx], inputRef{
			disk:      disk,
			arrayIdx:  len(perDisk[disk]) - 1,
			start:     e.StartInstruction,
			timestamp: e.Timestamp,
		})
	}

	// Repair stored ordinals that wrapped modulo the default chunk size: a
	// decrease within 50% of the chunk end is a wrap, and the chunk size is
	// added to subsequent values for that input.
	const defaultChunkSize = 10 * 1000 * 1000
	timestamp2adjust := make([]map[uint64]uint64, len(s.inputs))
	foundWrap := false
	for idx := range s.inputs {
		sort.Slice(inputSched[idx], func(i, j int) bool {
			return inputSched[idx][i].timestamp < inputSched[idx][j].timestamp
		})
		timestamp2adjust[idx] = make(map[uint64]uint64)
		var prevStart, addToStart uint64
		for i := range inputSched[idx] {
			ref := &inputSched[idx][i]
			if ref.start < prevStart {
				if prevStart*2 > defaultChunkSize {
					addToStart += defaultChunkSize
					foundWrap = true
					s.log.Debug("repairing modulo-wrapped ordinals", zap.Int("input", idx))
				} else {
					return fmt.Errorf("%w: invalid decreasing start in as-traced schedule",
						ErrInvalidParameter)
				}
			}
			if _, dup := timestamp2adjust[idx][ref.timestamp]; dup {
				return fmt.Errorf("%w: duplicate timestamps in as-traced schedule",
					ErrInvalidParameter)
			}
			prevStart = ref.start
			timestamp2adjust[idx][ref.timestamp] = ref.start + addToStart
			ref.start += addToStart
		}
	}
	if foundWrap {
		for i := range start2stop {
			start2stop[i] = make(map[uint64]bool)
			for _, adjusted := range timestamp2adjust[i] {
				start2stop[i][adjusted] = true
			}
		}
		for disk := range perDisk {
			for si := range perDisk[disk] {
				seg := &perDisk[disk][si]
				if !seg.valid {
					continue
				}
				adjusted, ok := timestamp2adjust[seg.input][seg.timestamp]
				if !ok {
					return fmt.Errorf("%w: missing timestamp for wrap repair",
						ErrInvalidParameter)
				}
				seg.start = adjusted
			}
		}
	}

	// Two entries with the same start on one input mean no instructions ran
	// between two timestamps: keep the later entry.
	for idx := range s.inputs {
		var prevStart uint64
		for i := range inputSched[idx] {
			ref := inputSched[idx][i]
			if i > 0 && ref.start == prevStart {
				prev := inputSched[idx][i-1]
				perDisk[prev.disk][prev.arrayIdx].valid = false
				s.log.Debug("dropping same-start as-traced entry",
					zap.Int("input", idx), zap.Uint64("start", ref.start))
			}
			prevStart = ref.start
		}
	}

	// Sort components by cpuid for a stable output ordering.
	diskOrder := make([]int, len(perDisk))
	for i := range diskOrder {
		diskOrder[i] = i
	}
	sort.Slice(diskOrder, func(i, j int) bool {
		return diskCPUs[diskOrder[i]] < diskCPUs[diskOrder[j]]
	})
	disk2output := make([]int, len(perDisk))
	for i, d := range diskOrder {
		disk2output[d] = i
	}

	sortedStarts := make([][]uint64, len(s.inputs))
	for i := range start2stop {
		for v := range start2stop[i] {
			sortedStarts[i] = append(sortedStarts[i], v)
		}
		sort.Slice(sortedStarts[i], func(a, b int) bool {
			return sortedStarts[i][a] < sortedStarts[i][b]
		})
	}
	nextStart := func(input int, start uint64) uint64 {
		starts := sortedStarts[input]
		pos := sort.Search(len(starts), func(i int) bool { return starts[i] > start })
		if pos == len(starts) {
			return math.MaxUint64
		}
		return starts[pos]
	}

	for disk := 0; disk < len(s.outputs); disk++ {
		o := s.outputs[disk]
		if disk >= len(perDisk) {
			o.atEOF = true
			s.setCurInput(o, invalidOrdinal)
			continue
		}
		out := s.outputs[disk2output[disk]]
		out.asTracedCPUID = int64(diskCPUs[disk])
		segs := perDisk[disk]
		startConsec := -1
		for si := range segs {
			seg := &segs[si]
			if !seg.valid {
				continue
			}
			seg.stop = nextStart(seg.input, seg.start)
			if si+1 < len(segs) && seg.input == segs[si+1].input {
				if seg.stop > segs[si+1].start {
					return fmt.Errorf("%w: invalid decreasing start in as-traced schedule",
						ErrInvalidParameter)
				}
				if seg.stop == segs[si+1].start {
					// Collapse into the next segment.
					if startConsec == -1 {
						startConsec = si
					}
					continue
				}
			}
			first := seg
			if startConsec >= 0 {
				first = &segs[startConsec]
			}
			out.record = append(out.record, memtrace.Segment{
				Type:      memtrace.SegDefault,
				Input:     int32(first.input),
				Start:     first.start,
				Stop:      seg.stop,
				Timestamp: first.timestamp,
			})
			startConsec = -1
		}
		if len(out.record) == 0 {
			return fmt.Errorf("%w: empty as-traced schedule component", ErrInvalidParameter)
		}
		if out.record[0].Start != 0 {
			s.log.Debug("output starts in a wait state", zap.Int("output", out.index))
			s.setCurInput(out, invalidOrdinal)
			out.waiting = true
			out.recordIndex = -1
		} else {
			out.recordIndex = 0
			if st := s.setCurInput(out, int(out.record[0].Input)); st != StatusOK {
				return fmt.Errorf("%w: as-traced initial assignment: %v", ErrInternal, st)
			}
		}
	}
	return nil
}
