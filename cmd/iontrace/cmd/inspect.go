package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <schedule.zip>",
	Short: "dump a recorded schedule in readable form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		components, err := readScheduleFile(args[0])
		if err != nil {
			return err
		}
		for i, segs := range components {
			fmt.Printf("output %d: %d segments\n", i, len(segs))
			for _, seg := range segs {
				fmt.Printf("  %s\n", seg)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
