package memtrace

// Ops abstracts record classification and construction over a record shape.
// The scheduler and readers are generic over R and never inspect records
// directly; RefOps and EntryOps are the two implementations.
type Ops[R any] interface {
	// IsInstr reports whether r is an instruction fetch.
	IsInstr(r R) bool
	// IsInstrBoundary reports whether r begins a new instruction, given the
	// previously delivered record.
	IsInstrBoundary(r, prev R) bool
	// IsEncoding reports whether r is an instruction encoding record.
	IsEncoding(r R) bool
	// IsMarker returns the marker type and value if r is a marker.
	IsMarker(r R) (MarkerType, uint64, bool)
	// IsTimestamp returns the timestamp value if r is a timestamp marker.
	IsTimestamp(r R) (uint64, bool)
	// IsInvalid reports whether r is the invalid sentinel.
	IsInvalid(r R) bool
	// IsNonMarkerHeader reports whether r is a header record other than a
	// marker (raw streams carry thread/pid/version headers).
	IsNonMarkerHeader(r R) bool
	// Tid returns the thread id carried by r, if any.
	Tid(r R) (int64, bool)
	// Pid returns the process id carried by r, if any.
	Pid(r R) (int64, bool)
	// WithTid returns r rewritten to carry the given tid, where the shape
	// supports it.
	WithTid(r R, tid int64) R
	// ThreadExit constructs a synthetic thread-exit record.
	ThreadExit(tid int64) R
	// Invalid constructs the invalid sentinel record.
	Invalid() R
	// RegionSeparator constructs a window separator marker emitted between
	// regions of interest.
	RegionSeparator(tid int64, region uint64) R
	// NopInstr constructs a synthetic no-op instruction at pc, used by
	// speculation.
	NopInstr(tid int64, pc uint64) R
	// SwitchHeaders returns the identity records to queue when an output
	// switches to this input, for shapes that carry identity out of band.
	SwitchHeaders(tid, pid int64) []R
	// String formats r for debug logging.
	String(r R) string
}
