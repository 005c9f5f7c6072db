package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/sched"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <workload>...",
	Short: "schedule workloads onto output streams",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()
		s, err := setupScheduler(args, false, log)
		if err != nil {
			return err
		}
		summaries := driveAll(s)
		printSummaries(summaries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func setupScheduler(paths []string, record bool, log *zap.Logger) (*sched.Scheduler[memtrace.Ref], error) {
	opts, err := buildOptions(log)
	if err != nil {
		return nil, err
	}
	opts.RecordSchedule = record
	workloads, err := buildWorkloads(paths)
	if err != nil {
		return nil, err
	}
	return sched.New[memtrace.Ref](memtrace.RefOps{}, workloads, viper.GetInt("outputs"), opts, log)
}

type outputSummary struct {
	output       int
	records      uint64
	instructions uint64
	idles        uint64
	waits        uint64
	stats        map[sched.Stat]int64
}

// driveOne consumes a stream to EOF.
func driveOne(st *sched.Stream[memtrace.Ref]) outputSummary {
	sum := outputSummary{output: st.OutputIndex(), stats: make(map[sched.Stat]int64)}
	var curTime uint64
	for {
		curTime++
		rec, status := st.Next(curTime)
		switch status {
		case sched.StatusOK:
			sum.records++
			if rec.Kind == memtrace.KindInstr {
				sum.instructions++
			}
		case sched.StatusIdle:
			sum.idles++
		case sched.StatusWait:
			sum.waits++
		case sched.StatusEOF:
			for stat := sched.StatSwitchInputToInput; stat <= sched.StatMigrations; stat++ {
				sum.stats[stat] = st.Statistic(stat)
			}
			return sum
		default:
			fmt.Printf("output %d: terminated with status %v\n", st.OutputIndex(), status)
			return sum
		}
	}
}

func driveAll(s *sched.Scheduler[memtrace.Ref]) []outputSummary {
	summaries := make([]outputSummary, s.NumOutputs())
	var wg sync.WaitGroup
	for i := 0; i < s.NumOutputs(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i] = driveOne(s.Stream(i))
		}(i)
	}
	wg.Wait()
	return summaries
}

func printSummaries(summaries []outputSummary) {
	for _, sum := range summaries {
		fmt.Printf("output %d: %d records, %d instructions, %d idle, %d wait\n",
			sum.output, sum.records, sum.instructions, sum.idles, sum.waits)
		for stat := sched.StatSwitchInputToInput; stat <= sched.StatMigrations; stat++ {
			if v := sum.stats[stat]; v != 0 {
				fmt.Printf("  %s: %d\n", stat, v)
			}
		}
	}
}
