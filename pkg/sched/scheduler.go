package sched

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

type workloadTid struct {
	workload int
	tid      int64
}

// Scheduler owns a set of inputs and maps them onto its output streams.
// Construct with New, then drive each output via Stream. Each stream must be
// driven by a single goroutine at a time; distinct streams may run
// concurrently.
type Scheduler[R any] struct {
	ops  memtrace.Ops[R]
	opts Options[R]
	log  *zap.Logger

	inputs    []*inputState[R]
	outputs   []*outputState[R]
	streams   []*Stream[R]
	tid2input map[workloadTid]int

	// schedLock protects the two queues, the counters below, and dispatch
	// transitions. It nests outside the per-input locks and is only taken
	// for dynamic and replay mapping.
	schedLock      sync.Mutex
	ready          *inputQueue[R]
	unsched        *inputQueue[R]
	readyCounter   uint64
	unschedCounter uint64
	numBlocked     int

	liveInputCount        atomic.Int64
	liveReplayOutputCount atomic.Int64

	rng        *rand.Rand
	nowMicros  func() uint64
	switchSeqs map[SwitchKind][]R

	// Lockstep rotation state when SingleLockstepOutput is set.
	lockstepNext int
	lockstepCur  *outputState[R]
}

// New builds a scheduler over the given workloads with numOutputs output
// streams. The logger is required; use zap.NewNop to discard.
func New[R any](ops memtrace.Ops[R], workloads []Workload[R], numOutputs int, opts Options[R], log *zap.Logger) (*Scheduler[R], error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidParameter)
	}
	if numOutputs <= 0 {
		return nil, fmt.Errorf("%w: output count must be > 0", ErrInvalidParameter)
	}
	if len(workloads) == 0 {
		return nil, fmt.Errorf("%w: no workloads", ErrInvalidParameter)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	s := &Scheduler[R]{
		ops:        ops,
		opts:       opts,
		log:        log,
		tid2input:  make(map[workloadTid]int),
		ready:      newInputQueue[R](),
		unsched:    newInputQueue[R](),
		rng:        rand.New(rand.NewSource(opts.RandomSeed)),
		nowMicros:  func() uint64 { return uint64(time.Now().UnixMicro()) },
		switchSeqs: opts.KernelSwitchSequences,
	}
	if err := s.buildInputs(workloads); err != nil {
		return nil, err
	}
	s.outputs = make([]*outputState[R], numOutputs)
	s.streams = make([]*Stream[R], numOutputs)
	for i := range s.outputs {
		o := &outputState[R]{
			index:       i,
			curInput:    invalidOrdinal,
			prevInput:   invalidOrdinal,
			recordIndex: -1,
		}
		o.active.Store(true)
		if opts.RecordSchedule {
			o.record = append(o.record, memtrace.Segment{
				Type:      memtrace.SegVersion,
				Start:     memtrace.ScheduleVersion,
				Timestamp: s.nowMicros(),
			})
		}
		s.outputs[i] = o
		s.streams[i] = &Stream[R]{s: s, out: o}
	}
	s.liveInputCount.Store(int64(len(s.inputs)))

	for wi := range workloads {
		if len(workloads[wi].TimesOfInterest) > 0 {
			if err := s.createRegionsFromTimes(wi, workloads[wi].TimesOfInterest); err != nil {
				return nil, err
			}
		}
	}
	if err := s.setInitialSchedule(workloads); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler[R]) buildInputs(workloads []Workload[R]) error {
	for wi, w := range workloads {
		if len(w.Inputs) == 0 {
			return fmt.Errorf("%w: workload %d has no inputs", ErrInvalidParameter, wi)
		}
		onlyThreads := make(map[int64]bool, len(w.OnlyThreads))
		for _, tid := range w.OnlyThreads {
			onlyThreads[tid] = true
		}
		onlyShards := make(map[int]bool, len(w.OnlyShards))
		for _, sh := range w.OnlyShards {
			if sh < 0 || sh >= len(w.Inputs) {
				return fmt.Errorf("%w: shard ordinal %d out of bounds for workload %d",
					ErrInvalidParameter, sh, wi)
			}
			onlyShards[sh] = true
		}
		for si, spec := range w.Inputs {
			if spec.Reader == nil {
				return fmt.Errorf("%w: nil reader for workload %d shard %d",
					ErrInvalidParameter, wi, si)
			}
			if len(onlyThreads) > 0 && !onlyThreads[spec.Tid] {
				continue
			}
			if len(onlyShards) > 0 && !onlyShards[si] {
				continue
			}
			in := &inputState[R]{
				index:         len(s.inputs),
				workload:      wi,
				shardIndex:    si,
				tid:           spec.Tid,
				pid:           spec.Pid,
				name:          spec.Name,
				rd:            spec.Reader,
				needsInit:     true,
				switchToInput: invalidOrdinal,
				prevOutput:    invalidOrdinal,
				needsROI:      true,
			}
			key := workloadTid{workload: wi, tid: spec.Tid}
			if _, dup := s.tid2input[key]; dup {
				return fmt.Errorf("%w: duplicate tid %d in workload %d",
					ErrInvalidParameter, spec.Tid, wi)
			}
			s.tid2input[key] = in.index
			s.inputs = append(s.inputs, in)
		}
		if err := s.applyModifiers(wi, w.Modifiers); err != nil {
			return err
		}
	}
	if len(s.inputs) == 0 {
		return fmt.Errorf("%w: all inputs filtered out", ErrInvalidParameter)
	}
	return nil
}

func (s *Scheduler[R]) applyModifiers(workload int, mods []ThreadModifier) error {
	for _, mod := range mods {
		tids := mod.Tids
		if len(tids) == 0 {
			for _, in := range s.inputs {
				if in.workload == workload {
					tids = append(tids, in.tid)
				}
			}
		}
		for _, tid := range tids {
			idx, ok := s.tid2input[workloadTid{workload: workload, tid: tid}]
			if !ok {
				s.log.Warn("thread modifier targets unknown tid",
					zap.Int("workload", workload), zap.Int64("tid", tid))
				continue
			}
			in := s.inputs[idx]
			in.hasModifier = true
			in.priority = mod.Priority
			if len(mod.Binding) > 0 {
				in.binding = make(map[int]bool, len(mod.Binding))
				for _, b := range mod.Binding {
					in.binding[b] = true
				}
			}
			if err := validateRegions(mod.Regions); err != nil {
				return err
			}
			in.regions = mod.Regions
		}
	}
	return nil
}

func validateRegions(regions []Range) error {
	for i, r := range regions {
		if r.Start == 0 {
			return fmt.Errorf("%w: region start must be >= 1", ErrRegionInvalid)
		}
		if r.Stop != 0 && r.Stop <= r.Start {
			return fmt.Errorf("%w: region stop %d not past start %d", ErrRegionInvalid, r.Stop, r.Start)
		}
		if i > 0 {
			prev := regions[i-1]
			if prev.Stop == 0 || r.Start <= prev.Stop {
				return fmt.Errorf("%w: gap required between regions of interest", ErrRegionInvalid)
			}
		}
	}
	return nil
}

// setInitialSchedule performs mode-specific initial input assignment.
func (s *Scheduler[R]) setInitialSchedule(workloads []Workload[R]) error {
	s.schedLock.Lock()
	defer s.schedLock.Unlock()

	gatherTimestamps := false
	if ((s.opts.Mapping == MapAsPreviously || s.opts.Mapping == MapToAnyOutput) &&
		s.opts.Dependency == DependencyTimestamps) ||
		(s.opts.Mapping == MapToRecordedOutput && s.opts.ReplayAsTraced == nil && len(s.inputs) > 1) {
		gatherTimestamps = true
		if !s.opts.ReadInputsInInit {
			return fmt.Errorf("%w: timestamp ordering requires reading inputs during init",
				ErrInvalidParameter)
		}
	}
	if s.opts.ReadInputsInInit {
		if err := s.readInitialContent(gatherTimestamps); err != nil {
			return err
		}
	}

	switch s.opts.Mapping {
	case MapAsPreviously:
		s.liveReplayOutputCount.Store(int64(len(s.outputs)))
		return s.loadRecordedSchedule()
	case MapToConsistentOutput:
		for i := range s.inputs {
			oi := i % len(s.outputs)
			if len(s.outputs[oi].inputIndices) == 0 {
				if st := s.setCurInput(s.outputs[oi], i); st != StatusOK {
					return fmt.Errorf("%w: initial assignment failed: %v", ErrInternal, st)
				}
			}
			s.outputs[oi].inputIndices = append(s.outputs[oi].inputIndices, i)
		}
		return nil
	case MapToRecordedOutput:
		if s.opts.ReplayAsTraced != nil {
			if err := s.instantiateTracedSchedule(); err != nil {
				return err
			}
			// From here the regular replay machinery drives dispatch.
			s.opts.Mapping = MapAsPreviously
			live := 0
			for _, o := range s.outputs {
				if !o.atEOF {
					live++
				}
			}
			s.liveReplayOutputCount.Store(int64(live))
			return nil
		}
		if len(s.outputs) > 1 {
			return fmt.Errorf("%w: recorded-output mapping with multiple outputs requires the as-traced schedule",
				ErrInvalidParameter)
		}
		min := uint64(math.MaxUint64)
		minInput := invalidOrdinal
		for i, in := range s.inputs {
			if len(s.inputs) == 1 || in.nextTimestamp < min {
				min = in.nextTimestamp
				minInput = i
			}
		}
		if minInput == invalidOrdinal {
			return fmt.Errorf("%w: no schedulable input", ErrInvalidParameter)
		}
		if st := s.setCurInput(s.outputs[0], minInput); st != StatusOK {
			return fmt.Errorf("%w: initial assignment failed: %v", ErrInternal, st)
		}
		return nil
	default: // MapToAnyOutput
		if s.opts.Dependency == DependencyTimestamps {
			s.computeBaseTimestamps(workloads)
		}
		for _, in := range s.inputs {
			s.addToReadyQueue(in)
		}
		for _, o := range s.outputs {
			next, st := s.popFromReadyQueue(o.index)
			if st != StatusOK && st != StatusIdle {
				return fmt.Errorf("%w: initial dispatch failed: %v", ErrInternal, st)
			}
			if next == nil {
				s.setCurInput(o, invalidOrdinal)
			} else if st := s.setCurInput(o, next.index); st != StatusOK {
				return fmt.Errorf("%w: initial dispatch failed: %v", ErrInternal, st)
			}
		}
		return nil
	}
}

// computeBaseTimestamps records each workload's minimum first timestamp so
// the ready queue can order inputs by relative time.
func (s *Scheduler[R]) computeBaseTimestamps(workloads []Workload[R]) {
	for wi := range workloads {
		min := uint64(math.MaxUint64)
		for _, in := range s.inputs {
			if in.workload == wi && in.nextTimestamp > 0 && in.nextTimestamp < min {
				min = in.nextTimestamp
			}
		}
		if min == math.MaxUint64 {
			continue
		}
		for _, in := range s.inputs {
			if in.workload == wi {
				in.baseTimestamp = min
				in.orderByTimestamp = true
			}
		}
	}
}

// readInitialContent reads each input's leading headers, queueing everything
// consumed for redelivery. With gatherTimestamps it reads through the first
// timestamp marker so nextTimestamp is known up front.
func (s *Scheduler[R]) readInitialContent(gatherTimestamps bool) error {
	for _, in := range s.inputs {
		in.mu.Lock()
		err := s.readAheadInput(in, gatherTimestamps)
		ts := in.nextTimestamp
		in.mu.Unlock()
		if err != nil {
			return err
		}
		if gatherTimestamps && ts == 0 {
			return fmt.Errorf("%w: input %d has no timestamp for ordering",
				ErrInvalidParameter, in.index)
		}
	}
	return nil
}

func (s *Scheduler[R]) readAheadInput(in *inputState[R], gatherTimestamps bool) error {
	if in.needsInit {
		if err := in.rd.Init(); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrFileOpen, in.index, err)
		}
		in.needsInit = false
	}
	for {
		if !gatherTimestamps && in.rd.Filetype() != 0 {
			return nil
		}
		rec, err := in.rd.Next()
		if errors.Is(err, io.EOF) {
			// Headers may be the entire stream for an empty input.
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrFileRead, in.index, err)
		}
		in.queue.pushBack(queuedRec[R]{rec: rec})
		if s.ops.IsInstr(rec) {
			in.instrsPreRead++
		}
		if ts, ok := s.ops.IsTimestamp(rec); ok {
			in.nextTimestamp = ts
			if gatherTimestamps {
				return nil
			}
		}
		// Stop at the first instruction: reading thousands of records to
		// hunt for a missing timestamp is not worth it.
		if s.ops.IsInstr(rec) || (!gatherTimestamps && !s.isHeaderLike(rec)) {
			return nil
		}
	}
}

func (s *Scheduler[R]) isHeaderLike(rec R) bool {
	if s.ops.IsNonMarkerHeader(rec) {
		return true
	}
	_, _, isMarker := s.ops.IsMarker(rec)
	return isMarker
}

// Stream returns the handle for one output. Streams are created at New time;
// the same handle is returned on every call.
func (s *Scheduler[R]) Stream(output int) *Stream[R] {
	return s.streams[output]
}

// NumOutputs returns the configured output count.
func (s *Scheduler[R]) NumOutputs() int { return len(s.outputs) }

// NumInputs returns the scheduled input count after filters.
func (s *Scheduler[R]) NumInputs() int { return len(s.inputs) }

// LiveInputs returns the number of inputs not yet at EOF.
func (s *Scheduler[R]) LiveInputs() int { return int(s.liveInputCount.Load()) }
