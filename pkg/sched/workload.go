package sched

import (
	"math"

	"github.com/rdseq/iontrace/pkg/reader"
)

// Range is an instruction-ordinal region of interest. Ordinals are 1-based;
// Start is inclusive and Stop exclusive, with Stop == 0 meaning to the end
// of the input.
type Range struct {
	Start uint64
	Stop  uint64
}

// sentinelStart marks a region that never begins, used to park threads with
// no times-of-interest overlap.
const sentinelStart = math.MaxUint64

// TimeRange is a wall-clock window of interest, in trace timestamp units.
// Stop == 0 means to the end of the trace.
type TimeRange struct {
	Start uint64
	Stop  uint64
}

// ThreadModifier applies scheduling attributes to a set of threads in one
// workload. An empty Tids list applies to every thread.
type ThreadModifier struct {
	Tids     []int64
	Priority int
	// Binding lists the outputs allowed to run these threads; empty means
	// any output.
	Binding []int
	Regions []Range
}

// InputSpec supplies one pre-built input stream with its identity.
type InputSpec[R any] struct {
	Reader reader.Reader[R]
	Tid    int64
	Pid    int64
	// Name labels the input in queries and logs, e.g. the shard file path.
	Name string
}

// Workload is one traced application: a set of input streams plus per-thread
// scheduling attributes.
type Workload[R any] struct {
	Inputs []InputSpec[R]
	// OnlyThreads restricts scheduling to these tids.
	OnlyThreads []int64
	// OnlyShards restricts scheduling to these 0-based shard indexes.
	OnlyShards []int
	// TimesOfInterest restricts each thread to the instruction ranges
	// overlapping these windows, resolved via the as-traced schedule.
	TimesOfInterest []TimeRange
	Modifiers       []ThreadModifier
}
