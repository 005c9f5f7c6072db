package memtrace

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// SegmentType classifies one persisted schedule segment.
type SegmentType uint8

const (
	SegVersion SegmentType = iota
	SegDefault
	SegSkip
	SegSyntheticEnd
	SegIdle
	SegFooter
)

func (t SegmentType) String() string {
	switch t {
	case SegVersion:
		return "version"
	case SegDefault:
		return "default"
	case SegSkip:
		return "skip"
	case SegSyntheticEnd:
		return "synthetic_end"
	case SegIdle:
		return "idle"
	case SegFooter:
		return "footer"
	default:
		return "unknown"
	}
}

// ScheduleVersion is the current schedule file format version, stored in the
// Start field of each component's leading version segment.
const ScheduleVersion uint64 = 1

// SegmentBytes is the fixed on-disk size of one encoded segment.
const SegmentBytes = 1 + 4 + 8 + 8 + 8

// Segment is one persisted interval of an output's execution. Start is
// reinterpreted by type: the format version for SegVersion, the idle duration
// for SegIdle, and the starting instruction ordinal otherwise. Stop is
// exclusive; the max uint64 means to the end of the input.
type Segment struct {
	Type      SegmentType
	Input     int32
	Start     uint64
	Stop      uint64
	Timestamp uint64
}

// IdleDuration returns the idle duration of a SegIdle segment.
func (s Segment) IdleDuration() uint64 { return s.Start }

// Version returns the format version of a SegVersion segment.
func (s Segment) Version() uint64 { return s.Start }

func (s Segment) String() string {
	switch s.Type {
	case SegVersion:
		return fmt.Sprintf("version %d", s.Start)
	case SegIdle:
		return fmt.Sprintf("idle duration=%d time=%d", s.Start, s.Timestamp)
	case SegFooter:
		return "footer"
	default:
		return fmt.Sprintf("%s input=%d start=%d stop=%d time=%d",
			s.Type, s.Input, s.Start, s.Stop, s.Timestamp)
	}
}

// EncodeSegment appends the fixed little-endian encoding of s to buf.
func EncodeSegment(buf []byte, s Segment) []byte {
	buf = append(buf, byte(s.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Input))
	buf = binary.LittleEndian.AppendUint64(buf, s.Start)
	buf = binary.LittleEndian.AppendUint64(buf, s.Stop)
	buf = binary.LittleEndian.AppendUint64(buf, s.Timestamp)
	return buf
}

// DecodeSegment decodes one segment from the start of b.
func DecodeSegment(b []byte) (Segment, error) {
	if len(b) < SegmentBytes {
		return Segment{}, fmt.Errorf("short segment: %d bytes", len(b))
	}
	return Segment{
		Type:      SegmentType(b[0]),
		Input:     int32(binary.LittleEndian.Uint32(b[1:])),
		Start:     binary.LittleEndian.Uint64(b[5:]),
		Stop:      binary.LittleEndian.Uint64(b[13:]),
		Timestamp: binary.LittleEndian.Uint64(b[21:]),
	}, nil
}

// ScheduleComponentName returns the archive component name for one output.
func ScheduleComponentName(output int) string {
	return fmt.Sprintf("output.%04d", output)
}

// WriteScheduleArchive writes one zip component per output, each holding that
// output's segment list in the fixed binary encoding.
func WriteScheduleArchive(w io.Writer, components [][]Segment) error {
	zw := zip.NewWriter(w)
	for i, segs := range components {
		cw, err := zw.Create(ScheduleComponentName(i))
		if err != nil {
			return fmt.Errorf("create component %d: %w", i, err)
		}
		var buf []byte
		for _, s := range segs {
			buf = EncodeSegment(buf, s)
		}
		if _, err := cw.Write(buf); err != nil {
			return fmt.Errorf("write component %d: %w", i, err)
		}
	}
	return zw.Close()
}

// ReadScheduleArchive reads every output.NNNN component, ordered by output
// ordinal. Components with unrelated names are ignored.
func ReadScheduleArchive(r io.ReaderAt, size int64) ([][]Segment, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open schedule archive: %w", err)
	}
	type comp struct {
		ordinal int
		file    *zip.File
	}
	var comps []comp
	for _, f := range zr.File {
		var ord int
		if _, err := fmt.Sscanf(f.Name, "output.%04d", &ord); err != nil {
			continue
		}
		comps = append(comps, comp{ordinal: ord, file: f})
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].ordinal < comps[j].ordinal })
	out := make([][]Segment, 0, len(comps))
	for i, c := range comps {
		if c.ordinal != i {
			return nil, fmt.Errorf("schedule archive missing component %d", i)
		}
		rc, err := c.file.Open()
		if err != nil {
			return nil, fmt.Errorf("open component %s: %w", c.file.Name, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			rc.Close()
			return nil, fmt.Errorf("read component %s: %w", c.file.Name, err)
		}
		rc.Close()
		b := buf.Bytes()
		if len(b)%SegmentBytes != 0 {
			return nil, fmt.Errorf("component %s: truncated segment data", c.file.Name)
		}
		segs := make([]Segment, 0, len(b)/SegmentBytes)
		for off := 0; off < len(b); off += SegmentBytes {
			s, err := DecodeSegment(b[off:])
			if err != nil {
				return nil, err
			}
			segs = append(segs, s)
		}
		out = append(out, segs)
	}
	return out, nil
}
