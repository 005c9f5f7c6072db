package memtrace

import "fmt"

// RefKind is the record type of the normalized Ref shape.
type RefKind uint8

const (
	KindInvalid RefKind = iota
	KindInstr
	KindDataRead
	KindDataWrite
	KindMarker
	KindThreadExit
)

func (k RefKind) String() string {
	switch k {
	case KindInstr:
		return "instr"
	case KindDataRead:
		return "read"
	case KindDataWrite:
		return "write"
	case KindMarker:
		return "marker"
	case KindThreadExit:
		return "exit"
	default:
		return "invalid"
	}
}

// Ref is the normalized trace record: one instruction fetch, one data access,
// one marker, or a thread exit. Encodings are pre-resolved in this shape, so
// there is no separate encoding record.
type Ref struct {
	Kind   RefKind    `json:"kind"`
	Tid    int64      `json:"tid,omitempty"`
	Pid    int64      `json:"pid,omitempty"`
	PC     uint64     `json:"pc,omitempty"`
	Addr   uint64     `json:"addr,omitempty"`
	Size   uint16     `json:"size,omitempty"`
	Marker MarkerType `json:"marker,omitempty"`
	Value  uint64     `json:"value,omitempty"`
}

// RefOps adapts Ref to the generic Ops interface.
type RefOps struct{}

func (RefOps) IsInstr(r Ref) bool { return r.Kind == KindInstr }

// IsInstrBoundary reports whether r starts a new instruction. Refs carry one
// instruction per record, so every instruction is a boundary.
func (RefOps) IsInstrBoundary(r, prev Ref) bool { return r.Kind == KindInstr }

func (RefOps) IsEncoding(r Ref) bool { return false }

func (RefOps) IsMarker(r Ref) (MarkerType, uint64, bool) {
	if r.Kind != KindMarker {
		return MarkerInvalid, 0, false
	}
	return r.Marker, r.Value, true
}

func (RefOps) IsTimestamp(r Ref) (uint64, bool) {
	if r.Kind == KindMarker && r.Marker == MarkerTimestamp {
		return r.Value, true
	}
	return 0, false
}

func (RefOps) IsInvalid(r Ref) bool { return r.Kind == KindInvalid }

func (RefOps) IsNonMarkerHeader(r Ref) bool { return false }

func (RefOps) Tid(r Ref) (int64, bool) {
	if r.Kind == KindInvalid {
		return 0, false
	}
	return r.Tid, true
}

func (RefOps) Pid(r Ref) (int64, bool) {
	if r.Kind == KindInvalid {
		return 0, false
	}
	return r.Pid, true
}

func (RefOps) WithTid(r Ref, tid int64) Ref {
	r.Tid = tid
	return r
}

func (RefOps) ThreadExit(tid int64) Ref {
	return Ref{Kind: KindThreadExit, Tid: tid}
}

func (RefOps) Invalid() Ref { return Ref{} }

func (RefOps) RegionSeparator(tid int64, region uint64) Ref {
	return Ref{Kind: KindMarker, Tid: tid, Marker: MarkerWindowID, Value: region}
}

func (RefOps) NopInstr(tid int64, pc uint64) Ref {
	return Ref{Kind: KindInstr, Tid: tid, PC: pc, Size: 1}
}

// SwitchHeaders returns nil: every Ref carries its tid inline.
func (RefOps) SwitchHeaders(tid, pid int64) []Ref { return nil }

func (RefOps) String(r Ref) string {
	switch r.Kind {
	case KindMarker:
		return fmt.Sprintf("marker %s=%d tid=%d", r.Marker, r.Value, r.Tid)
	case KindInstr:
		return fmt.Sprintf("instr pc=%#x tid=%d", r.PC, r.Tid)
	case KindDataRead, KindDataWrite:
		return fmt.Sprintf("%s addr=%#x tid=%d", r.Kind, r.Addr, r.Tid)
	default:
		return fmt.Sprintf("%s tid=%d", r.Kind, r.Tid)
	}
}
