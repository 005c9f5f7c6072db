package reader

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

func sampleTrace(tid int64) []memtrace.Ref {
	return []memtrace.Ref{
		{Kind: memtrace.KindMarker, Tid: tid, Marker: memtrace.MarkerVersion, Value: memtrace.VersionCurrent},
		{Kind: memtrace.KindMarker, Tid: tid, Marker: memtrace.MarkerFiletype, Value: 0x10},
		{Kind: memtrace.KindMarker, Tid: tid, Marker: memtrace.MarkerTimestamp, Value: 1000},
		{Kind: memtrace.KindInstr, Tid: tid, PC: 0x1000, Size: 4},
		{Kind: memtrace.KindDataRead, Tid: tid, Addr: 0x2000, Size: 8},
		{Kind: memtrace.KindInstr, Tid: tid, PC: 0x1004, Size: 4},
		{Kind: memtrace.KindMarker, Tid: tid, Marker: memtrace.MarkerTimestamp, Value: 2000},
		{Kind: memtrace.KindInstr, Tid: tid, PC: 0x1008, Size: 4},
		{Kind: memtrace.KindThreadExit, Tid: tid},
	}
}

func TestFileReaderRoundTrip(t *testing.T) {
	for _, ext := range []string{".jsonl", ".jsonl.gz", ".jsonl.zst", ".jsonl.lz4"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace"+ext)
			want := sampleTrace(42)
			require.NoError(t, WriteTraceFile(path, want))

			fr := NewFileReader(path)
			require.NoError(t, fr.Init())
			defer fr.Close()
			var got []memtrace.Ref
			for {
				r, err := fr.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				got = append(got, r)
			}
			assert.Equal(t, want, got)
			assert.Equal(t, uint64(len(want)), fr.RecordOrdinal())
			assert.Equal(t, uint64(3), fr.InstructionOrdinal())
			assert.Equal(t, uint64(1000), fr.FirstTimestamp())
			assert.Equal(t, uint64(2000), fr.LastTimestamp())
			assert.Equal(t, memtrace.VersionCurrent, fr.Version())
			assert.Equal(t, uint64(0x10), fr.Filetype())
		})
	}
}

func TestFileReaderSkipInstructions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, WriteTraceFile(path, sampleTrace(42)))

	fr := NewFileReader(path)
	require.NoError(t, fr.Init())
	defer fr.Close()
	require.NoError(t, fr.SkipInstructions(2))
	assert.Equal(t, uint64(2), fr.InstructionOrdinal())

	r, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), r.Value, "next record is the one after the second instruction")
}

func TestPeekTid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, WriteTraceFile(path, sampleTrace(77)))
	tid, err := PeekTid(path)
	require.NoError(t, err)
	assert.Equal(t, int64(77), tid)
}

func TestMemoryReaderTracking(t *testing.T) {
	mr := NewMemoryReader[memtrace.Ref](memtrace.RefOps{}, sampleTrace(7))
	require.NoError(t, mr.Init())
	var n int
	for {
		_, err := mr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 9, n)
	assert.Equal(t, uint64(3), mr.InstructionOrdinal())
	assert.Equal(t, uint64(1000), mr.FirstTimestamp())
	assert.False(t, mr.IsRecordSynthetic())
}

func TestDiscoverTracesSkipsReserved(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"shard.0.jsonl", "shard.1.jsonl",
		"serial_schedule", "cpu_schedule.gz", "modules.log", "funclist.log",
		"encodings.bin", ".hidden",
	} {
		require.NoError(t, WriteTraceFile(filepath.Join(dir, name), nil))
	}
	files, err := DiscoverTraces(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "shard.0.jsonl"), files[0])
	assert.Equal(t, filepath.Join(dir, "shard.1.jsonl"), files[1])
}

func TestDiscoverSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, WriteTraceFile(path, sampleTrace(1)))
	files, err := DiscoverTraces(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}
