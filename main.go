package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/reader"
	"github.com/rdseq/iontrace/pkg/sched"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: iontrace /path/to/workload")
		return
	}
	path := os.Args[1]

	files, err := reader.DiscoverTraces(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	var w sched.Workload[memtrace.Ref]
	for _, f := range files {
		tid, err := reader.PeekTid(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		w.Inputs = append(w.Inputs, sched.InputSpec[memtrace.Ref]{
			Reader: reader.NewFileReader(f),
			Tid:    tid,
			Name:   f,
		})
	}

	// Interleave everything onto one output with default scheduling and
	// print the stream.
	ops := memtrace.RefOps{}
	s, err := sched.New[memtrace.Ref](ops, []sched.Workload[memtrace.Ref]{w}, 1,
		sched.DefaultOptions[memtrace.Ref](), zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st := s.Stream(0)
	var curTime uint64
	for {
		curTime++
		rec, status := st.Next(curTime)
		switch status {
		case sched.StatusOK:
			fmt.Printf("T%d %s\n", st.Tid(), ops.String(rec))
		case sched.StatusEOF:
			return
		case sched.StatusIdle, sched.StatusWait:
			continue
		default:
			fmt.Fprintf(os.Stderr, "Error: status %v\n", status)
			os.Exit(1)
		}
	}
}
