package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var recordOut string

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record <workload>...",
	Short: "schedule workloads and record the schedule for later replay",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()
		s, err := setupScheduler(args, true, log)
		if err != nil {
			return err
		}
		summaries := driveAll(s)
		f, err := os.Create(recordOut)
		if err != nil {
			return fmt.Errorf("create schedule file: %w", err)
		}
		defer f.Close()
		if err := s.WriteRecordedSchedule(f); err != nil {
			return err
		}
		printSummaries(summaries)
		fmt.Printf("schedule recorded to %s\n", recordOut)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordOut, "output", "o", "schedule.zip", "schedule archive to write")
	rootCmd.AddCommand(recordCmd)
}
