package memtrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CPUEntry is one record of the as-traced per-cpu schedule stream: which
// thread was running on which cpu at a given timestamp, starting at the given
// instruction ordinal. The stream is ordered by (cpu, timestamp).
type CPUEntry struct {
	Tid              int64
	CPUID            uint64
	Timestamp        uint64
	StartInstruction uint64
}

// CPUEntryBytes is the fixed on-disk size of one encoded entry.
const CPUEntryBytes = 8 * 4

// EncodeCPUEntry appends the little-endian encoding of e to buf.
func EncodeCPUEntry(buf []byte, e CPUEntry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Tid))
	buf = binary.LittleEndian.AppendUint64(buf, e.CPUID)
	buf = binary.LittleEndian.AppendUint64(buf, e.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, e.StartInstruction)
	return buf
}

// ReadCPUSchedule reads an entire as-traced schedule stream.
func ReadCPUSchedule(r io.Reader) ([]CPUEntry, error) {
	var out []CPUEntry
	buf := make([]byte, CPUEntryBytes)
	for {
		_, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read cpu schedule entry: %w", err)
		}
		out = append(out, CPUEntry{
			Tid:              int64(binary.LittleEndian.Uint64(buf)),
			CPUID:            binary.LittleEndian.Uint64(buf[8:]),
			Timestamp:        binary.LittleEndian.Uint64(buf[16:]),
			StartInstruction: binary.LittleEndian.Uint64(buf[24:]),
		})
	}
}

// WriteCPUSchedule writes entries in the fixed binary encoding.
func WriteCPUSchedule(w io.Writer, entries []CPUEntry) error {
	var buf []byte
	for _, e := range entries {
		buf = EncodeCPUEntry(buf, e)
	}
	_, err := w.Write(buf)
	return err
}
