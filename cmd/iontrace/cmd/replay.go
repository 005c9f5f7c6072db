package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/sched"
)

var replayIn string

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay <workload>...",
	Short: "replay a previously recorded schedule exactly",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()
		opts, err := buildOptions(log)
		if err != nil {
			return err
		}
		opts.Mapping = sched.MapAsPreviously
		opts.ReplaySchedule, err = readScheduleFile(replayIn)
		if err != nil {
			return err
		}
		workloads, err := buildWorkloads(args)
		if err != nil {
			return err
		}
		s, err := sched.New[memtrace.Ref](memtrace.RefOps{}, workloads,
			viper.GetInt("outputs"), opts, log)
		if err != nil {
			return err
		}
		printSummaries(driveAll(s))
		return nil
	},
}

func readScheduleFile(path string) ([][]memtrace.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return memtrace.ReadScheduleArchive(f, info.Size())
}

func init() {
	replayCmd.Flags().StringVarP(&replayIn, "input", "i", "schedule.zip", "schedule archive to replay")
	rootCmd.AddCommand(replayCmd)
}
