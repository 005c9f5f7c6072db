// Package cmd implements the iontrace command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rdseq/iontrace/pkg/memtrace"
	"github.com/rdseq/iontrace/pkg/reader"
	"github.com/rdseq/iontrace/pkg/sched"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "iontrace",
	Short: "schedule recorded execution traces onto simulated cores",
	Long: `iontrace maps recorded per-thread execution traces onto a configurable
number of output streams, modeling OS context switching. A produced schedule
can be recorded and replayed exactly.`,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./iontrace.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	pf := rootCmd.PersistentFlags()
	pf.Int("outputs", 1, "number of output streams (simulated cores)")
	pf.String("mapping", "any", "mapping mode: any, consistent, recorded")
	pf.String("dependency", "ignore", "cross-input ordering: ignore, timestamps")
	pf.String("quantum-unit", "instructions", "quantum unit: instructions, time")
	pf.Uint64("quantum-instrs", 10*1000*1000, "quantum length in instructions")
	pf.Uint64("quantum-us", 5000, "quantum length in microseconds")
	pf.Float64("time-units-per-us", 100, "consumer time units per microsecond")
	pf.Uint64("syscall-switch-us", 30000, "syscall latency treated as blocking")
	pf.Uint64("blocking-switch-us", 500, "maybe-blocking syscall latency threshold")
	pf.Float64("block-time-multiplier", 10, "scale from syscall latency to modeled block time")
	pf.Uint64("block-time-max-us", 250000, "cap on modeled block time")
	pf.Bool("honor-direct-switches", true, "honor direct-switch and unschedule markers")
	pf.Bool("randomize-next-input", false, "pick a random runnable input instead of the queue head")
	pf.Int64("seed", 0, "seed for randomized picks")
	pf.String("kernel-switch-trace", "", "trace file holding kernel switch sequences")
	pf.String("cpu-schedule", "", "as-traced per-cpu schedule stream")
	pf.Bool("lockstep", false, "interleave all outputs onto one lockstep stream")
	for _, name := range []string{
		"outputs", "mapping", "dependency", "quantum-unit", "quantum-instrs",
		"quantum-us", "time-units-per-us", "syscall-switch-us", "blocking-switch-us",
		"block-time-multiplier", "block-time-max-us", "honor-direct-switches",
		"randomize-next-input", "seed", "kernel-switch-trace", "cpu-schedule", "lockstep",
	} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "iontrace: %v\n", err)
			os.Exit(1)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("iontrace")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("IONTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "iontrace: using config %s\n", viper.ConfigFileUsed())
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func buildOptions(log *zap.Logger) (sched.Options[memtrace.Ref], error) {
	opts := sched.DefaultOptions[memtrace.Ref]()
	switch viper.GetString("mapping") {
	case "any":
		opts.Mapping = sched.MapToAnyOutput
	case "consistent":
		opts.Mapping = sched.MapToConsistentOutput
	case "recorded":
		opts.Mapping = sched.MapToRecordedOutput
	default:
		return opts, fmt.Errorf("unknown mapping %q", viper.GetString("mapping"))
	}
	switch viper.GetString("dependency") {
	case "ignore":
		opts.Dependency = sched.DependencyIgnore
	case "timestamps":
		opts.Dependency = sched.DependencyTimestamps
	default:
		return opts, fmt.Errorf("unknown dependency mode %q", viper.GetString("dependency"))
	}
	switch viper.GetString("quantum-unit") {
	case "instructions":
		opts.QuantumUnit = sched.QuantumInstructions
	case "time":
		opts.QuantumUnit = sched.QuantumTime
	default:
		return opts, fmt.Errorf("unknown quantum unit %q", viper.GetString("quantum-unit"))
	}
	opts.QuantumDurationInstrs = viper.GetUint64("quantum-instrs")
	opts.QuantumDurationUs = viper.GetUint64("quantum-us")
	opts.TimeUnitsPerUs = viper.GetFloat64("time-units-per-us")
	opts.SyscallSwitchThresholdUs = viper.GetUint64("syscall-switch-us")
	opts.BlockingSwitchThresholdUs = viper.GetUint64("blocking-switch-us")
	opts.BlockTimeMultiplier = viper.GetFloat64("block-time-multiplier")
	opts.BlockTimeMaxUs = viper.GetUint64("block-time-max-us")
	opts.HonorDirectSwitches = viper.GetBool("honor-direct-switches")
	opts.RandomizeNextInput = viper.GetBool("randomize-next-input")
	opts.RandomSeed = viper.GetInt64("seed")
	opts.SingleLockstepOutput = viper.GetBool("lockstep")

	if path := viper.GetString("kernel-switch-trace"); path != "" {
		fr := reader.NewFileReader(path)
		seqs, err := sched.LoadSwitchSequences[memtrace.Ref](memtrace.RefOps{}, fr)
		if err != nil {
			return opts, err
		}
		fr.Close()
		opts.KernelSwitchSequences = seqs
		log.Info("loaded kernel switch sequences", zap.Int("kinds", len(seqs)))
	}
	if path := viper.GetString("cpu-schedule"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return opts, fmt.Errorf("open cpu schedule: %w", err)
		}
		entries, err := memtrace.ReadCPUSchedule(f)
		f.Close()
		if err != nil {
			return opts, err
		}
		opts.ReplayAsTraced = entries
	}
	return opts, nil
}

// buildWorkloads turns each path argument into one workload of discovered
// trace shards.
func buildWorkloads(paths []string) ([]sched.Workload[memtrace.Ref], error) {
	var workloads []sched.Workload[memtrace.Ref]
	for _, p := range paths {
		files, err := reader.DiscoverTraces(p)
		if err != nil {
			return nil, err
		}
		var w sched.Workload[memtrace.Ref]
		for _, f := range files {
			tid, err := reader.PeekTid(f)
			if err != nil {
				return nil, err
			}
			w.Inputs = append(w.Inputs, sched.InputSpec[memtrace.Ref]{
				Reader: reader.NewFileReader(f),
				Tid:    tid,
				Name:   f,
			})
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}
