package sched

import "go.uber.org/zap"

// Speculation lets the consumer branch off to a chosen address and receive
// synthesized records (currently no-op instructions) until it stops. Layers
// nest; input ordinals and quantum accounting are frozen throughout.

// speculationOuterAddress is the sentinel pushed for the outermost layer:
// the real trace itself stores the resumption context.
const speculationOuterAddress uint64 = 0

func (s *Scheduler[R]) startSpeculation(o *outputState[R], pc uint64, queueCurrent bool) Status {
	if len(o.speculationStack) == 0 {
		if queueCurrent {
			if !o.hasLastRecord || s.ops.IsInvalid(o.lastRecord) {
				return StatusInvalid
			}
			in := s.inputs[o.curInput]
			in.mu.Lock()
			if !o.lastSynthetic && s.ops.IsInstr(o.lastRecord) {
				in.instrsPreRead++
			}
			in.queue.pushBack(queuedRec[R]{rec: o.lastRecord, synthetic: o.lastSynthetic})
			in.mu.Unlock()
		}
		o.speculationStack = append(o.speculationStack, speculationOuterAddress)
	} else {
		if queueCurrent {
			// The speculator regenerates the same record for this pc when
			// the layer pops.
			o.speculationStack = append(o.speculationStack, o.prevSpeculatePC)
		} else {
			o.speculationStack = append(o.speculationStack, o.speculatePC)
		}
	}
	// Keep prev in case another start arrives before the next record.
	o.prevSpeculatePC = o.speculatePC
	o.speculatePC = pc
	s.log.Debug("start speculation",
		zap.Int("layer", len(o.speculationStack)), zap.Uint64("pc", pc))
	return StatusOK
}

func (s *Scheduler[R]) stopSpeculation(o *outputState[R]) Status {
	if len(o.speculationStack) == 0 {
		return StatusInvalid
	}
	if len(o.speculationStack) > 1 {
		// The resume pc only matters when exiting an inner layer; the
		// outer layer resumes from the trace itself.
		o.speculatePC = o.speculationStack[len(o.speculationStack)-1]
	}
	o.speculationStack = o.speculationStack[:len(o.speculationStack)-1]
	s.log.Debug("stop speculation",
		zap.Int("layer", len(o.speculationStack)), zap.Uint64("resume", o.speculatePC))
	return StatusOK
}

// unreadLastRecord pushes the last delivered record back onto the current
// input's queue. Unsupported while speculating or before any delivery.
func (s *Scheduler[R]) unreadLastRecord(o *outputState[R]) Status {
	if !o.hasLastRecord || s.ops.IsInvalid(o.lastRecord) {
		return StatusInvalid
	}
	if len(o.speculationStack) > 0 {
		return StatusInvalid
	}
	in := s.inputs[o.curInput]
	in.mu.Lock()
	if !o.lastSynthetic && s.ops.IsInstr(o.lastRecord) {
		in.instrsPreRead++
	}
	in.queue.pushBack(queuedRec[R]{rec: o.lastRecord, synthetic: o.lastSynthetic})
	if s.opts.QuantumUnit == QuantumInstructions && s.ops.IsInstr(o.lastRecord) {
		in.instrsInQuantum--
	}
	in.mu.Unlock()
	o.lastRecord = s.ops.Invalid()
	o.hasLastRecord = false
	return StatusOK
}
