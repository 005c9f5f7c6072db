package reader

import (
	"io"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// tracker accumulates the ordinal and header state every Reader must expose.
// Observe is called once per consumed record.
type tracker[R any] struct {
	ops             memtrace.Ops[R]
	recordOrd       uint64
	instrOrd        uint64
	firstTimestamp  uint64
	lastTimestamp   uint64
	version         uint64
	filetype        uint64
	pageSize        uint64
	cacheLineSize   uint64
	chunkInstrCount uint64
}

func (t *tracker[R]) observe(r R) {
	t.recordOrd++
	if t.ops.IsInstr(r) {
		t.instrOrd++
	}
	if typ, val, ok := t.ops.IsMarker(r); ok {
		switch typ {
		case memtrace.MarkerTimestamp:
			if t.firstTimestamp == 0 {
				t.firstTimestamp = val
			}
			t.lastTimestamp = val
		case memtrace.MarkerVersion:
			t.version = val
		case memtrace.MarkerFiletype:
			t.filetype = val
		case memtrace.MarkerPageSize:
			t.pageSize = val
		case memtrace.MarkerCacheLineSize:
			t.cacheLineSize = val
		case memtrace.MarkerChunkInstrCount:
			t.chunkInstrCount = val
		}
	}
}

func (t *tracker[R]) RecordOrdinal() uint64      { return t.recordOrd }
func (t *tracker[R]) InstructionOrdinal() uint64 { return t.instrOrd }
func (t *tracker[R]) FirstTimestamp() uint64     { return t.firstTimestamp }
func (t *tracker[R]) LastTimestamp() uint64      { return t.lastTimestamp }
func (t *tracker[R]) Version() uint64            { return t.version }
func (t *tracker[R]) Filetype() uint64           { return t.filetype }
func (t *tracker[R]) PageSize() uint64           { return t.pageSize }
func (t *tracker[R]) CacheLineSize() uint64      { return t.cacheLineSize }
func (t *tracker[R]) ChunkInstrCount() uint64    { return t.chunkInstrCount }

// MemoryReader serves records from a slice. It backs tests and explicit
// in-process workloads.
type MemoryReader[R any] struct {
	tracker[R]
	recs []R
	pos  int
}

// NewMemoryReader returns a reader over recs classified by ops.
func NewMemoryReader[R any](ops memtrace.Ops[R], recs []R) *MemoryReader[R] {
	mr := &MemoryReader[R]{recs: recs}
	mr.ops = ops
	return mr
}

func (m *MemoryReader[R]) Init() error { return nil }

func (m *MemoryReader[R]) Next() (R, error) {
	if m.pos >= len(m.recs) {
		var zero R
		return zero, io.EOF
	}
	r := m.recs[m.pos]
	m.pos++
	m.observe(r)
	return r, nil
}

func (m *MemoryReader[R]) SkipInstructions(n uint64) error {
	var skipped uint64
	for skipped < n {
		r, err := m.Next()
		if err != nil {
			return err
		}
		if m.ops.IsInstr(r) {
			skipped++
		}
	}
	return nil
}

func (m *MemoryReader[R]) IsRecordSynthetic() bool { return false }
