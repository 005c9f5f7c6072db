// Package reader provides lazy record sources for the scheduler: an on-disk
// JSON-lines reader with transparent decompression, an in-memory reader for
// synthetic streams, and workload directory discovery.
package reader

// Reader is a lazy sequence of trace records. Implementations may defer
// expensive setup to Init, which is called before the first Next; Init may
// block (e.g. an IPC-backed source waiting for its producer).
//
// Ordinal and timestamp queries reflect everything consumed so far, including
// records discarded by SkipInstructions.
type Reader[R any] interface {
	// Init prepares the source. It is called at most once.
	Init() error
	// Next returns the next record, or io.EOF when the stream ends.
	Next() (R, error)
	// SkipInstructions consumes and discards records until n further
	// instruction records have been passed over.
	SkipInstructions(n uint64) error

	// RecordOrdinal is the count of records returned so far.
	RecordOrdinal() uint64
	// InstructionOrdinal is the count of instruction records returned so far.
	InstructionOrdinal() uint64
	// FirstTimestamp is the first timestamp marker value seen, 0 if none yet.
	FirstTimestamp() uint64
	// LastTimestamp is the most recent timestamp marker value seen.
	LastTimestamp() uint64

	// Header metadata captured from the stream's leading markers.
	Version() uint64
	Filetype() uint64
	PageSize() uint64
	CacheLineSize() uint64
	ChunkInstrCount() uint64

	// IsRecordSynthetic reports whether the last returned record was
	// synthesized rather than recorded.
	IsRecordSynthetic() bool
}
