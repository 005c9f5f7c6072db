// Package memtrace defines the trace record model: the normalized Ref shape,
// the raw on-disk Entry shape, and the Ops adapter that lets higher layers
// work generically over either.
package memtrace

// MarkerType identifies the kind of metadata a marker record carries.
type MarkerType uint16

const (
	MarkerInvalid MarkerType = iota
	MarkerTimestamp
	MarkerCPUID
	MarkerVersion
	MarkerFiletype
	MarkerPageSize
	MarkerCacheLineSize
	MarkerChunkInstrCount
	MarkerWindowID
	MarkerSyscall
	MarkerMaybeBlockingSyscall
	MarkerDirectThreadSwitch
	MarkerSyscallUnschedule
	MarkerSyscallSchedule
	MarkerSyscallArgTimeout
	MarkerKernelEvent
	MarkerKernelXfer
	MarkerContextSwitchStart
	MarkerContextSwitchEnd
	MarkerSyscallTraceStart
	MarkerSyscallTraceEnd
)

var markerNames = map[MarkerType]string{
	MarkerInvalid:              "invalid",
	MarkerTimestamp:            "timestamp",
	MarkerCPUID:                "cpuid",
	MarkerVersion:              "version",
	MarkerFiletype:             "filetype",
	MarkerPageSize:             "page_size",
	MarkerCacheLineSize:        "cache_line_size",
	MarkerChunkInstrCount:      "chunk_instr_count",
	MarkerWindowID:             "window_id",
	MarkerSyscall:              "syscall",
	MarkerMaybeBlockingSyscall: "maybe_blocking_syscall",
	MarkerDirectThreadSwitch:   "direct_thread_switch",
	MarkerSyscallUnschedule:    "syscall_unschedule",
	MarkerSyscallSchedule:      "syscall_schedule",
	MarkerSyscallArgTimeout:    "syscall_arg_timeout",
	MarkerKernelEvent:          "kernel_event",
	MarkerKernelXfer:           "kernel_xfer",
	MarkerContextSwitchStart:   "context_switch_start",
	MarkerContextSwitchEnd:     "context_switch_end",
	MarkerSyscallTraceStart:    "syscall_trace_start",
	MarkerSyscallTraceEnd:      "syscall_trace_end",
}

func (m MarkerType) String() string {
	if s, ok := markerNames[m]; ok {
		return s
	}
	return "unknown"
}

// Trace format versions. Traces at or above VersionFrequentTimestamps carry
// timestamp pairs bracketing each system call, which enables latency-based
// blocking decisions instead of the legacy threshold-only model.
const (
	VersionFrequentTimestamps uint64 = 6
	VersionCurrent            uint64 = 7
)
