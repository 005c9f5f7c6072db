package sched

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// advanceRegionOfInterest enforces in's region list on the candidate record:
// entering a region skips ahead, leaving the last region synthesizes a thread
// exit, and crossing between regions substitutes a window separator marker.
// Caller holds in's lock. o may be nil during init-time skips.
func (s *Scheduler[R]) advanceRegionOfInterest(o *outputState[R], rec R, in *inputState[R], synthetic bool) (R, Status) {
	curInstr := in.instrOrdinal()
	curReaderInstr := in.rd.InstructionOrdinal()
	cur := in.regions[in.curRegion]

	if in.inCurRegion && cur.Stop != 0 && curInstr >= cur.Stop {
		in.curRegion++
		in.inCurRegion = false
		s.log.Debug("advancing to next region",
			zap.Int("input", in.index), zap.Int("region", in.curRegion),
			zap.Uint64("instr", curInstr))
		if in.curRegion >= len(in.regions) {
			if in.atEOF {
				return rec, StatusSkipped
			}
			if s.opts.RecordSchedule && o != nil {
				if st := s.closeScheduleSegment(o, in); st != StatusOK {
					return rec, st
				}
				// Tell replay a synthetic exit is needed here.
				if st := s.recordScheduleSegment(o, memtrace.SegSyntheticEnd, in.index, curInstr, 0); st != StatusOK {
					return rec, st
				}
			}
			in.queue.pushBack(queuedRec[R]{rec: s.ops.ThreadExit(in.tid), synthetic: true})
			s.markInputEOF(in)
			return rec, StatusSkipped
		}
		cur = in.regions[in.curRegion]
	}

	if !in.inCurRegion && curInstr >= cur.Start {
		// Back-to-back regions: already there, but the consumer still gets
		// a separator.
		in.inCurRegion = true
		if in.curRegion > 0 {
			if !synthetic && s.ops.IsInstr(rec) {
				in.instrsPreRead++
			}
			in.queue.pushBack(queuedRec[R]{rec: rec, synthetic: synthetic})
			rec = s.ops.RegionSeparator(in.tid, uint64(in.curRegion))
		}
		return rec, StatusOK
	}
	// Within one and already skipped: the inserted separator sits at the
	// prior ordinal, so do not re-request a skip.
	if in.inCurRegion && curInstr >= cur.Start-1 {
		return rec, StatusOK
	}

	if s.opts.RecordSchedule && o != nil {
		if st := s.recordScheduleSkip(o, in, curInstr, cur.Start); st != StatusOK {
			return rec, st
		}
	}
	if cur.Start < curReaderInstr {
		// Skipping backward over the pre-read would mean extracting from
		// the queue, which is unsupported.
		return rec, StatusInvalid
	}
	return rec, s.skipInput(in, cur.Start-curReaderInstr-1)
}

// skipInput discards amount further instructions from in's reader, clearing
// any queued candidate first. Caller holds in's lock.
func (s *Scheduler[R]) skipInput(in *inputState[R], amount uint64) Status {
	if in.needsInit {
		if err := in.rd.Init(); err != nil {
			s.log.Error("input init failed", zap.Int("input", in.index), zap.Error(err))
			return StatusInvalid
		}
		in.needsInit = false
	}
	in.queue.clear()
	err := in.rd.SkipInstructions(amount)
	// Skipping moves past the pre-read wholesale.
	in.instrsPreRead = 0
	if errors.Is(err, io.EOF) {
		s.markInputEOF(in)
		if amount >= math.MaxUint64-2 {
			// Internal to-the-end skip used to exclude a thread entirely.
			return StatusSkipped
		}
		s.log.Warn("region of interest out of bounds", zap.Int("input", in.index))
		return StatusRegionInvalid
	}
	if err != nil {
		s.log.Error("skip failed", zap.Int("input", in.index), zap.Error(err))
		return StatusInvalid
	}
	in.inCurRegion = true
	if in.curRegion > 0 {
		in.queue.pushBack(queuedRec[R]{
			rec:       s.ops.RegionSeparator(in.tid, uint64(in.curRegion)),
			synthetic: true,
		})
	}
	return StatusSkipped
}

type timePoint struct {
	ts  uint64
	ord uint64
}

// timeLookup linearly interpolates a timestamp into an instruction ordinal,
// rounding down so a system call spanning the start time is included.
// Queries outside the known timestamps report no overlap.
func timeLookup(points []timePoint, t uint64) (uint64, bool) {
	pos := sort.Search(len(points), func(i int) bool { return points[i].ts > t })
	if pos == 0 || pos == len(points) {
		return 0, false
	}
	lower, upper := points[pos-1], points[pos]
	frac := float64(t-lower.ts) / float64(upper.ts-lower.ts)
	return lower.ord + uint64(frac*float64(upper.ord-lower.ord)), true
}

// createRegionsFromTimes translates a workload's times of interest into
// per-input instruction regions, using the as-traced schedule as the
// timestamp-to-ordinal map. Threads with no overlap get a never-starting
// sentinel region so they are excluded entirely.
func (s *Scheduler[R]) createRegionsFromTimes(workload int, times []TimeRange) error {
	if len(s.opts.ReplayAsTraced) == 0 {
		return fmt.Errorf("%w: times of interest require the as-traced schedule",
			ErrInvalidParameter)
	}
	for _, in := range s.inputs {
		if in.workload != workload {
			continue
		}
		if len(in.regions) > 0 {
			return fmt.Errorf("%w: times of interest cannot combine with explicit regions",
				ErrInvalidParameter)
		}
		var points []timePoint
		for _, e := range s.opts.ReplayAsTraced {
			if e.Tid == in.tid {
				points = append(points, timePoint{ts: e.Timestamp, ord: e.StartInstruction})
			}
		}
		sort.Slice(points, func(i, j int) bool { return points[i].ts < points[j].ts })

		var ranges []Range
		entireTid := false
		for _, tr := range times {
			instrStart, hasStart := timeLookup(points, tr.Start)
			var instrEnd uint64
			hasEnd := true
			if tr.Stop != 0 {
				instrEnd, hasEnd = timeLookup(points, tr.Stop)
			}
			if hasStart && hasEnd && instrStart == instrEnd {
				if instrStart == 0 {
					entireTid = true
				} else {
					instrEnd++
				}
			}
			// Without a start the range includes from 0; without an end,
			// instrEnd stays 0 which means to the end of the trace.
			if instrStart > 0 || instrEnd > 0 {
				if len(ranges) > 0 &&
					(ranges[len(ranges)-1].Stop >= instrStart || ranges[len(ranges)-1].Stop == 0) {
					return fmt.Errorf("%w: times of interest are too close together: "+
						"instruction ranges are overlapping or adjacent", ErrRangeInvalid)
				}
				ranges = append(ranges, Range{Start: instrStart, Stop: instrEnd})
				s.log.Debug("time range resolved",
					zap.Int64("tid", in.tid),
					zap.Uint64("t_start", tr.Start), zap.Uint64("t_stop", tr.Stop),
					zap.Uint64("instr_start", instrStart), zap.Uint64("instr_stop", instrEnd))
			}
		}
		if entireTid {
			continue
		}
		if len(ranges) == 0 {
			s.log.Debug("tid has no overlap with times of interest", zap.Int64("tid", in.tid))
			ranges = append(ranges, Range{Start: sentinelStart, Stop: 0})
		}
		in.regions = ranges
	}
	return nil
}
