package sched

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/reader"
)

// injectKernelSwitch queues the configured kernel switch sequence at the
// front of in's queue on an input-to-input transition. The injected records
// act on behalf of the new input, so their tids are rewritten; they are
// synthetic and do not affect input ordinals. Caller holds in's lock and the
// scheduler lock where required.
func (s *Scheduler[R]) injectKernelSwitch(o *outputState[R], in *inputState[R], prevWorkload int) {
	if len(s.switchSeqs) == 0 || in.instrOrdinal() == 0 {
		return
	}
	kind := SwitchThread
	if prevWorkload != in.workload {
		kind = SwitchProcess
	}
	seq := s.switchSeqs[kind]
	if len(seq) == 0 {
		return
	}
	// Walk in reverse so the front-pushes deliver in order, ahead of any
	// previously queued records.
	for i := len(seq) - 1; i >= 0; i-- {
		rec := s.ops.WithTid(seq[i], in.tid)
		in.queue.pushFront(queuedRec[R]{rec: rec, synthetic: true})
	}
	s.log.Debug("injected switch sequence",
		zap.Int("count", len(seq)), zap.Int("kind", int(kind)),
		zap.Int("output", o.index), zap.Int("input", in.index))
}

// LoadSwitchSequences reads a kernel switch template trace and splits it into
// per-kind sequences. Each sequence is bracketed by context-switch start/end
// markers whose value is the switch kind.
func LoadSwitchSequences[R any](ops memtrace.Ops[R], rd reader.Reader[R]) (map[SwitchKind][]R, error) {
	if err := rd.Init(); err != nil {
		return nil, fmt.Errorf("%w: switch sequence reader: %v", ErrFileOpen, err)
	}
	seqs := make(map[SwitchKind][]R)
	kind := SwitchInvalid
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: switch sequence: %v", ErrFileRead, err)
		}
		typ, value, isMarker := ops.IsMarker(rec)
		if isMarker && typ == memtrace.MarkerContextSwitchStart {
			kind = SwitchKind(value)
			if len(seqs[kind]) > 0 {
				return nil, fmt.Errorf("%w: duplicate switch sequence for kind %d",
					ErrInvalidParameter, kind)
			}
			continue
		}
		if isMarker && typ == memtrace.MarkerContextSwitchEnd {
			if kind == SwitchInvalid || SwitchKind(value) != kind {
				return nil, fmt.Errorf("%w: mismatched switch sequence end marker",
					ErrInvalidParameter)
			}
			kind = SwitchInvalid
			continue
		}
		if kind != SwitchInvalid {
			seqs[kind] = append(seqs[kind], rec)
		}
	}
	if kind != SwitchInvalid {
		return nil, fmt.Errorf("%w: unterminated switch sequence", ErrInvalidParameter)
	}
	return seqs, nil
}
