package reader

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// FileReader reads normalized Ref records from a JSON-lines trace file.
// Files ending in .zst, .lz4, or .gz are decompressed transparently. The
// file is not opened until Init.
type FileReader struct {
	tracker[memtrace.Ref]
	path    string
	f       *os.File
	zr      *zstd.Decoder
	dec     *json.Decoder
	tid     int64
	sawTid  bool
	started bool
}

// NewFileReader returns a lazy reader for the trace file at path.
func NewFileReader(path string) *FileReader {
	fr := &FileReader{path: path}
	fr.ops = memtrace.RefOps{}
	return fr
}

// Tid returns the thread id of the first record read, which identifies the
// input the file holds. Valid only once reading has begun.
func (fr *FileReader) Tid() (int64, bool) { return fr.tid, fr.sawTid }

func (fr *FileReader) Init() error {
	if fr.started {
		return nil
	}
	f, err := os.Open(fr.path)
	if err != nil {
		return fmt.Errorf("open trace %s: %w", fr.path, err)
	}
	fr.f = f
	var src io.Reader = bufio.NewReader(f)
	switch {
	case strings.HasSuffix(fr.path, ".zst"):
		zr, err := zstd.NewReader(src)
		if err != nil {
			f.Close()
			return fmt.Errorf("open zstd trace %s: %w", fr.path, err)
		}
		fr.zr = zr
		src = zr
	case strings.HasSuffix(fr.path, ".lz4"):
		src = lz4.NewReader(src)
	case strings.HasSuffix(fr.path, ".gz"):
		gz, err := gzip.NewReader(src)
		if err != nil {
			f.Close()
			return fmt.Errorf("open gzip trace %s: %w", fr.path, err)
		}
		src = gz
	}
	fr.dec = json.NewDecoder(src)
	fr.started = true
	return nil
}

func (fr *FileReader) Next() (memtrace.Ref, error) {
	var r memtrace.Ref
	if !fr.dec.More() {
		return r, io.EOF
	}
	if err := fr.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return r, io.EOF
		}
		return r, fmt.Errorf("decode trace record in %s: %w", fr.path, err)
	}
	if !fr.sawTid && r.Tid != 0 {
		fr.tid = r.Tid
		fr.sawTid = true
	}
	fr.observe(r)
	return r, nil
}

func (fr *FileReader) SkipInstructions(n uint64) error {
	var skipped uint64
	for skipped < n {
		r, err := fr.Next()
		if err != nil {
			return err
		}
		if r.Kind == memtrace.KindInstr {
			skipped++
		}
	}
	return nil
}

func (fr *FileReader) IsRecordSynthetic() bool { return false }

// Close releases the underlying file.
func (fr *FileReader) Close() error {
	if fr.zr != nil {
		fr.zr.Close()
	}
	if fr.f != nil {
		return fr.f.Close()
	}
	return nil
}

// PeekTid opens the trace briefly and returns the tid of the first record
// carrying one, without disturbing a FileReader later opened on the same
// path.
func PeekTid(path string) (int64, error) {
	fr := NewFileReader(path)
	if err := fr.Init(); err != nil {
		return 0, err
	}
	defer fr.Close()
	for {
		r, err := fr.Next()
		if err != nil {
			return 0, fmt.Errorf("no tid found in %s: %w", path, err)
		}
		if r.Tid != 0 {
			return r.Tid, nil
		}
	}
}

// WriteTraceFile writes refs as a JSON-lines trace, for producing test and
// example workloads. Compression is chosen from the path suffix like reading.
func WriteTraceFile(path string, refs []memtrace.Ref) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var closers []io.Closer
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			return fmt.Errorf("zstd writer for %s: %w", path, err)
		}
		w = zw
		closers = append(closers, zw)
	case strings.HasSuffix(path, ".lz4"):
		lw := lz4.NewWriter(bw)
		w = lw
		closers = append(closers, lw)
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(bw)
		w = gw
		closers = append(closers, gw)
	}
	enc := json.NewEncoder(w)
	for _, r := range refs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode trace record: %w", err)
		}
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("finish trace %s: %w", path, err)
		}
	}
	return bw.Flush()
}
