package memtrace

import "fmt"

// EntryType is the record type of the raw on-disk Entry shape.
type EntryType uint8

const (
	EntryInvalid EntryType = iota
	EntryHeader
	EntryThread
	EntryPid
	EntryInstrFetch
	EntryEncoding
	EntryRead
	EntryWrite
	EntryMarker
	EntryThreadExit
	EntryFooter
)

// Entry is the raw fixed-size trace record. The meaning of Size and Addr
// depends on Type: for markers Size holds the MarkerType and Addr the value;
// for thread and pid headers Addr holds the id; for instruction fetches and
// data accesses Addr is the address and Size the access size.
type Entry struct {
	Type EntryType `json:"type"`
	Size uint16    `json:"size,omitempty"`
	Addr uint64    `json:"addr,omitempty"`
}

// EntryOps adapts Entry to the generic Ops interface. Raw streams preserve
// encodings and per-thread headers, so several predicates differ from RefOps.
//
// Raw records do not carry a tid inline; the scheduler learns identity from
// the thread header entries, so Tid only answers for those and for exits.
type EntryOps struct{}

func (EntryOps) IsInstr(r Entry) bool { return r.Type == EntryInstrFetch }

// IsInstrBoundary reports whether r starts a new instruction. An encoding
// precedes its fetch and opens the boundary, so switches never split the
// pair; the fetch right after an encoding is not a fresh boundary.
func (EntryOps) IsInstrBoundary(r, prev Entry) bool {
	return (r.Type == EntryInstrFetch || r.Type == EntryEncoding) &&
		prev.Type != EntryEncoding
}

func (EntryOps) IsEncoding(r Entry) bool { return r.Type == EntryEncoding }

func (EntryOps) IsMarker(r Entry) (MarkerType, uint64, bool) {
	if r.Type != EntryMarker {
		return MarkerInvalid, 0, false
	}
	return MarkerType(r.Size), r.Addr, true
}

func (EntryOps) IsTimestamp(r Entry) (uint64, bool) {
	if r.Type == EntryMarker && MarkerType(r.Size) == MarkerTimestamp {
		return r.Addr, true
	}
	return 0, false
}

func (EntryOps) IsInvalid(r Entry) bool { return r.Type == EntryInvalid }

func (EntryOps) IsNonMarkerHeader(r Entry) bool {
	return r.Type == EntryHeader || r.Type == EntryThread || r.Type == EntryPid
}

func (EntryOps) Tid(r Entry) (int64, bool) {
	if r.Type == EntryThread || r.Type == EntryThreadExit {
		return int64(r.Addr), true
	}
	return 0, false
}

func (EntryOps) Pid(r Entry) (int64, bool) {
	if r.Type == EntryPid {
		return int64(r.Addr), true
	}
	return 0, false
}

func (EntryOps) WithTid(r Entry, tid int64) Entry {
	if r.Type == EntryThread || r.Type == EntryThreadExit {
		r.Addr = uint64(tid)
	}
	return r
}

func (EntryOps) ThreadExit(tid int64) Entry {
	return Entry{Type: EntryThreadExit, Addr: uint64(tid)}
}

func (EntryOps) Invalid() Entry { return Entry{} }

func (EntryOps) RegionSeparator(tid int64, region uint64) Entry {
	return Entry{Type: EntryMarker, Size: uint16(MarkerWindowID), Addr: region}
}

func (EntryOps) NopInstr(tid int64, pc uint64) Entry {
	return Entry{Type: EntryInstrFetch, Size: 1, Addr: pc}
}

// SwitchHeaders re-announces the owning thread after a context switch, since
// raw records carry no tid inline.
func (EntryOps) SwitchHeaders(tid, pid int64) []Entry {
	return []Entry{
		{Type: EntryPid, Addr: uint64(pid)},
		{Type: EntryThread, Addr: uint64(tid)},
	}
}

func (EntryOps) String(r Entry) string {
	if r.Type == EntryMarker {
		return fmt.Sprintf("entry marker %s=%d", MarkerType(r.Size), r.Addr)
	}
	return fmt.Sprintf("entry type=%d size=%d addr=%#x", r.Type, r.Size, r.Addr)
}
